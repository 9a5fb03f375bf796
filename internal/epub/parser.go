// Package epub unpacks zip-based EPUB archives into a vault: flattened
// images, per-chapter rewritten HTML in spine order, and a best-effort cover.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"bookvault/internal/vault"
	"bookvault/pkg/domain"
)

const maxTitleLen = 100

// Chapter describes one unpacked spine document.
type Chapter struct {
	Title     string
	FileName  string
	Order     int
	SizeBytes int64
}

// Result is the outcome of unpacking one archive.
type Result struct {
	Chapters  []Chapter
	CoverPath string // empty when no cover was found
	Author    string
}

// containerXML models META-INF/container.xml, which points at the package
// document (OPF).
type containerXML struct {
	RootFiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Metadata struct {
		Creators []string `xml:"http://purl.org/dc/elements/1.1/ creator"`
		Metas    []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Items []manifestItem `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type manifestItem struct {
	ID        string `xml:"id,attr"`
	Href      string `xml:"href,attr"`
	MediaType string `xml:"media-type,attr"`
}

// book bundles the open archive with its parsed package document.
type book struct {
	zr     *zip.ReadCloser
	opf    *opfPackage
	opfDir string
	byID   map[string]manifestItem
}

// Unpack parses the EPUB at archivePath into vaultDir. It writes
// unpacked/images/* (flattened by basename, last write wins on collision),
// unpacked/chapter_N.html for each spine document, and a cover image in the
// vault root when one can be found. Any failure outside cover detection is
// fatal to the whole archive; the caller removes the partial vault.
func Unpack(archivePath, vaultDir string) (Result, error) {
	b, err := open(archivePath)
	if err != nil {
		return Result{}, err
	}
	defer b.zr.Close()

	unpackedDir := filepath.Join(vaultDir, vault.UnpackedDirName)
	imagesDir := filepath.Join(unpackedDir, vault.ImagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create unpacked dirs: %v", domain.ErrParseFailure, err)
	}

	if err := b.extractImages(imagesDir); err != nil {
		return Result{}, err
	}

	coverPath := b.resolveCover(vaultDir)

	chapters, err := b.unpackChapters(unpackedDir)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Chapters:  chapters,
		CoverPath: coverPath,
		Author:    b.author(),
	}, nil
}

func open(archivePath string) (*book, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %v", domain.ErrParseFailure, err)
	}

	opfPath, err := findOPFPath(&zr.Reader)
	if err != nil {
		zr.Close()
		return nil, err
	}

	opfEntry := findEntry(&zr.Reader, opfPath)
	if opfEntry == nil {
		zr.Close()
		return nil, fmt.Errorf("%w: package document %s missing", domain.ErrParseFailure, opfPath)
	}
	data, err := readEntry(opfEntry)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: read package document: %v", domain.ErrParseFailure, err)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(data, &pkg); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: parse package document: %v", domain.ErrParseFailure, err)
	}

	byID := make(map[string]manifestItem, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		byID[item.ID] = item
	}

	return &book{
		zr:     zr,
		opf:    &pkg,
		opfDir: path.Dir(opfPath),
		byID:   byID,
	}, nil
}

// findOPFPath reads META-INF/container.xml, falling back to scanning for any
// .opf entry when the descriptor is missing.
func findOPFPath(zr *zip.Reader) (string, error) {
	if f := findEntry(zr, "META-INF/container.xml"); f != nil {
		data, err := readEntry(f)
		if err != nil {
			return "", fmt.Errorf("%w: read container.xml: %v", domain.ErrParseFailure, err)
		}
		var c containerXML
		if err := xml.Unmarshal(data, &c); err != nil {
			return "", fmt.Errorf("%w: parse container.xml: %v", domain.ErrParseFailure, err)
		}
		for _, rf := range c.RootFiles {
			if p := strings.TrimSpace(rf.FullPath); p != "" {
				return p, nil
			}
		}
	}
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".opf") {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no package document in archive", domain.ErrParseFailure)
}

// extractImages writes every manifest image entry into the flat images dir.
// Basename collisions overwrite; chapters reference images by basename only.
func (b *book) extractImages(imagesDir string) error {
	for _, item := range b.opf.Manifest.Items {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(item.MediaType)), "image/") {
			continue
		}
		entry := findEntry(&b.zr.Reader, b.resolveHref(item.Href))
		if entry == nil {
			continue
		}
		target := filepath.Join(imagesDir, path.Base(entry.Name))
		if err := extractTo(entry, target); err != nil {
			return fmt.Errorf("%w: extract image %s: %v", domain.ErrParseFailure, entry.Name, err)
		}
	}
	return nil
}

// unpackChapters walks the spine in order, rewriting each HTML document and
// writing it as chapter_N.html. N counts spine documents only, so chapter
// order is dense 0..N-1.
func (b *book) unpackChapters(unpackedDir string) ([]Chapter, error) {
	var chapters []Chapter
	for _, ref := range b.opf.Spine.ItemRefs {
		item, ok := b.byID[ref.IDRef]
		if !ok || !isHTMLDoc(item) {
			continue
		}
		entry := findEntry(&b.zr.Reader, b.resolveHref(item.Href))
		if entry == nil {
			continue
		}
		data, err := readEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: read spine item %s: %v", domain.ErrParseFailure, item.Href, err)
		}
		doc, err := html.Parse(strings.NewReader(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: parse spine item %s: %v", domain.ErrParseFailure, item.Href, err)
		}

		rewriteImageRefs(doc)
		n := len(chapters)
		title := chapterTitle(doc, n)

		var sb strings.Builder
		if err := html.Render(&sb, doc); err != nil {
			return nil, fmt.Errorf("%w: render chapter %d: %v", domain.ErrParseFailure, n, err)
		}
		rendered := sb.String()

		fileName := fmt.Sprintf("chapter_%d.html", n)
		if err := os.WriteFile(filepath.Join(unpackedDir, fileName), []byte(rendered), 0o644); err != nil {
			return nil, fmt.Errorf("%w: write chapter %d: %v", domain.ErrParseFailure, n, err)
		}

		chapters = append(chapters, Chapter{
			Title:     title,
			FileName:  fileName,
			Order:     n,
			SizeBytes: int64(len(rendered)),
		})
	}
	return chapters, nil
}

func (b *book) author() string {
	for _, c := range b.opf.Metadata.Creators {
		if name := strings.TrimSpace(c); name != "" {
			return name
		}
	}
	return ""
}

// resolveHref joins a manifest href onto the OPF directory, unescaping
// percent-encoding as archive entry names are stored raw.
func (b *book) resolveHref(href string) string {
	href = strings.TrimSpace(href)
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	if idx := strings.IndexByte(href, '#'); idx >= 0 {
		href = href[:idx]
	}
	if b.opfDir == "." {
		return path.Clean(href)
	}
	return path.Clean(path.Join(b.opfDir, href))
}

// rewriteImageRefs points every <img src> at the flattened basename under
// images/. Absolute URLs are left alone.
func rewriteImageRefs(doc *html.Node) {
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		for i, attr := range n.Attr {
			if attr.Key != "src" || attr.Val == "" || isAbsoluteURL(attr.Val) {
				continue
			}
			n.Attr[i].Val = "images/" + path.Base(attr.Val)
		}
	})
}

// chapterTitle takes the first h1/h2/h3 text, NFC-normalized and truncated,
// or synthesizes "Chapter n" (1-based) when no heading exists.
func chapterTitle(doc *html.Node, order int) string {
	var title string
	walk(doc, func(n *html.Node) {
		if title != "" || n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "h1", "h2", "h3":
			if text := strings.TrimSpace(nodeText(n)); text != "" {
				title = text
			}
		}
	})
	if title == "" {
		return fmt.Sprintf("Chapter %d", order+1)
	}
	title = norm.NFC.String(title)
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return title
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func isHTMLDoc(item manifestItem) bool {
	mt := strings.ToLower(strings.TrimSpace(item.MediaType))
	if mt == "application/xhtml+xml" || mt == "text/html" {
		return true
	}
	ext := strings.ToLower(path.Ext(item.Href))
	return ext == ".xhtml" || ext == ".html" || ext == ".htm"
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}

// findEntry looks up a zip entry by path, exact match first, then
// case-insensitive.
func findEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	lower := strings.ToLower(name)
	for _, f := range zr.File {
		if strings.ToLower(f.Name) == lower {
			return f
		}
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractTo streams a zip entry straight to its final path, no staging step.
func extractTo(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
