// Package reader transforms stored chapter HTML into self-contained reader
// content at serve time. The stored file is immutable, so the transform runs
// fresh on every request and never needs to be idempotent.
package reader

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// readerCSS and readerJS are fixed blocks injected into every chapter.
const readerCSS = `
body { margin: 0; padding: 20px; font-family: sans-serif; line-height: 1.6; }
img, image { max-width: 100%; height: auto; display: block; margin: 10px auto; }
#viewer { padding-bottom: 50px; }
`

const readerJS = `
console.log("Reader JS Loaded");
`

const viewportContent = "width=device-width, initial-scale=1.0"

// Render rewrites stored chapter HTML for in-browser display: guarantees a
// single viewport meta, injects the reader stylesheet and script, wraps body
// content in a #viewer container, and rewrites relative image references into
// authenticated absolute URLs. The token rides in the query string because
// embedded <img>/<image> requests cannot carry an Authorization header.
func Render(src []byte, bookID, baseURL, token string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse chapter html: %w", err)
	}

	head := findElement(doc, "head")
	body := findElement(doc, "body")
	if head == nil || body == nil {
		return nil, fmt.Errorf("chapter html missing head or body")
	}

	ensureViewport(doc, head)

	style := &html.Node{Type: html.ElementNode, Data: "style"}
	style.AppendChild(textNode(readerCSS))
	head.AppendChild(style)

	script := &html.Node{Type: html.ElementNode, Data: "script"}
	script.AppendChild(textNode(readerJS))
	body.AppendChild(script)

	wrapBody(body)
	rewriteImageURLs(doc, bookID, baseURL, token)

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return nil, fmt.Errorf("render chapter html: %w", err)
	}
	return out.Bytes(), nil
}

// ensureViewport inserts a responsive viewport meta only when the document
// has none, so re-serving never duplicates it.
func ensureViewport(doc, head *html.Node) {
	found := false
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" && attrVal(n, "name") == "viewport" {
			found = true
		}
	})
	if found {
		return
	}
	meta := &html.Node{
		Type: html.ElementNode, Data: "meta",
		Attr: []html.Attribute{
			{Key: "name", Val: "viewport"},
			{Key: "content", Val: viewportContent},
		},
	}
	head.InsertBefore(meta, head.FirstChild)
}

// wrapBody moves all non-script body children into a single <div id="viewer">
// inserted as the first body child, giving the frontend one scroll container.
func wrapBody(body *html.Node) {
	viewer := &html.Node{
		Type: html.ElementNode, Data: "div",
		Attr: []html.Attribute{{Key: "id", Val: "viewer"}},
	}
	var moved []*html.Node
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "script" {
			continue
		}
		moved = append(moved, c)
	}
	for _, c := range moved {
		body.RemoveChild(c)
		viewer.AppendChild(c)
	}
	body.InsertBefore(viewer, body.FirstChild)
}

// rewriteImageURLs rebuilds every relative image reference as an absolute
// authenticated content URL keyed by basename.
func rewriteImageURLs(doc *html.Node, bookID, baseURL, token string) {
	base := strings.TrimRight(baseURL, "/")
	rewrite := func(val string) string {
		name := path.Base(val)
		return fmt.Sprintf("%s/books/%s/images/%s?token=%s", base, bookID, name, url.QueryEscape(token))
	}
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "img":
			for i, a := range n.Attr {
				if a.Key == "src" && a.Val != "" && !isAbsolute(a.Val) {
					n.Attr[i].Val = rewrite(a.Val)
				}
			}
		case "image":
			for i, a := range n.Attr {
				if (a.Key == "href" || a.Key == "xlink:href") && a.Val != "" && !isAbsolute(a.Val) {
					n.Attr[i].Val = rewrite(a.Val)
				}
			}
		}
	})
}

func isAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
