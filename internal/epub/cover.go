package epub

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// resolveCover runs the cover fallback chain and writes the winning image
// into vaultDir. Strategies are tried in priority order:
//  1. <meta name="cover"> in the package metadata, resolved via the manifest
//  2. first <image>/<img> on the first spine page
//  3. any entry name containing "cover" ending in .jpg/.png
//
// A failing strategy is logged and the chain continues; no cover at all is
// not an error. Returns the written path, or "" when nothing was found.
func (b *book) resolveCover(vaultDir string) string {
	strategies := []struct {
		name string
		fn   func(string) (string, error)
	}{
		{"manifest", b.coverFromManifest},
		{"first-page", b.coverFromFirstPage},
		{"filename", b.coverFromFilename},
	}
	for _, s := range strategies {
		p, err := s.fn(vaultDir)
		if err != nil {
			slog.Warn("cover strategy failed", "strategy", s.name, "err", err)
			continue
		}
		if p != "" {
			return p
		}
	}
	return ""
}

// coverFromManifest follows <meta name="cover" content="ID"> to the manifest
// item with that ID and extracts its href, resolved against the OPF directory.
func (b *book) coverFromManifest(vaultDir string) (string, error) {
	var coverID string
	for _, m := range b.opf.Metadata.Metas {
		if strings.EqualFold(m.Name, "cover") && m.Content != "" {
			coverID = m.Content
			break
		}
	}
	if coverID == "" {
		return "", nil
	}
	item, ok := b.byID[coverID]
	if !ok || item.Href == "" {
		return "", nil
	}
	entry := findEntry(&b.zr.Reader, b.resolveHref(item.Href))
	if entry == nil {
		return "", fmt.Errorf("cover entry %s not in archive", item.Href)
	}
	return b.writeCover(entry.Name, vaultDir)
}

// coverFromFirstPage scans the first spine document for an SVG <image>
// (href/xlink:href) or an <img>, then matches the basename against archive
// entries.
func (b *book) coverFromFirstPage(vaultDir string) (string, error) {
	var firstHref string
	for _, ref := range b.opf.Spine.ItemRefs {
		if item, ok := b.byID[ref.IDRef]; ok && item.Href != "" {
			firstHref = item.Href
			break
		}
	}
	if firstHref == "" {
		return "", nil
	}
	entry := findEntry(&b.zr.Reader, b.resolveHref(firstHref))
	if entry == nil {
		return "", nil
	}
	data, err := readEntry(entry)
	if err != nil {
		return "", fmt.Errorf("read first spine page: %w", err)
	}
	src := firstImageRef(data)
	if src == "" {
		return "", nil
	}
	// Hrefs may be percent-encoded while archive entry names are stored raw.
	if decoded, err := url.PathUnescape(src); err == nil {
		src = decoded
	}
	target := path.Base(src)
	for _, f := range b.zr.File {
		if strings.HasSuffix(f.Name, target) {
			return b.writeCover(f.Name, vaultDir)
		}
	}
	return "", nil
}

// coverFromFilename is the last resort: any entry whose lowercased name
// contains "cover" and ends in .jpg or .png.
func (b *book) coverFromFilename(vaultDir string) (string, error) {
	for _, f := range b.zr.File {
		lower := strings.ToLower(f.Name)
		if strings.Contains(lower, "cover") && (strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".png")) {
			return b.writeCover(f.Name, vaultDir)
		}
	}
	return "", nil
}

// writeCover extracts the entry directly to cover.jpg or cover.png in the
// vault root, keeping the source extension when it is png.
func (b *book) writeCover(entryName, vaultDir string) (string, error) {
	entry := findEntry(&b.zr.Reader, entryName)
	if entry == nil {
		return "", fmt.Errorf("cover entry %s vanished", entryName)
	}
	name := "cover.jpg"
	if strings.HasSuffix(strings.ToLower(entryName), ".png") {
		name = "cover.png"
	}
	target := filepath.Join(vaultDir, name)
	if err := extractTo(entry, target); err != nil {
		return "", fmt.Errorf("extract cover %s: %w", entryName, err)
	}
	return target, nil
}

// firstImageRef tokenizes HTML and returns the first <image href|xlink:href>
// or <img src> value, preferring the SVG form as cover pages typically wrap
// the artwork in an <svg> block.
func firstImageRef(data []byte) string {
	var imgSrc string
	tok := html.NewTokenizer(bytes.NewReader(data))
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return imgSrc
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tok.TagName()
			if !hasAttr {
				continue
			}
			switch string(name) {
			case "image":
				for {
					key, val, more := tok.TagAttr()
					k := string(key)
					if (k == "xlink:href" || k == "href") && len(val) > 0 {
						return string(val)
					}
					if !more {
						break
					}
				}
			case "img":
				if imgSrc != "" {
					continue
				}
				for {
					key, val, more := tok.TagAttr()
					if string(key) == "src" && len(val) > 0 {
						imgSrc = string(val)
					}
					if !more {
						break
					}
				}
			}
		}
	}
}
