// Package pdfcover renders the first page of a PDF into cover.png. PDFs are
// browsed via direct download, so the cover is the only artifact extracted.
package pdfcover

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	coverWidth  = 600
	coverHeight = 800
	marginX     = 40
	marginY     = 60
	lineHeight  = 18
	maxLineLen  = 64
)

// Render writes cover.png for the PDF at pdfPath into vaultDir and returns
// its path. It prefers the system pdftoppm rasterizer (better fidelity for
// complex pages); when that is unavailable it synthesizes a text cover from
// the first page's content. Returns "" with nil error when the PDF yields
// nothing usable: a missing cover never fails ingestion.
func Render(pdfPath, vaultDir string) (string, error) {
	target := filepath.Join(vaultDir, "cover.png")

	if p, err := renderWithPdftoppm(pdfPath, target); err == nil {
		return p, nil
	} else {
		slog.Debug("pdftoppm unavailable, using text cover", "err", err)
	}

	return renderTextCover(pdfPath, target)
}

// renderWithPdftoppm shells out to poppler's pdftoppm for page 1 only.
func renderWithPdftoppm(pdfPath, target string) (string, error) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return "", fmt.Errorf("pdftoppm not found: %w", err)
	}
	prefix := strings.TrimSuffix(target, ".png")
	cmd := exec.Command("pdftoppm", "-png", "-singlefile", "-f", "1", "-l", "1", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("pdftoppm: %v: %s", err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("pdftoppm produced no output: %w", err)
	}
	return target, nil
}

// renderTextCover draws the first page's text onto a white canvas. Crude, but
// it gives the library view something recognizable without a rasterizer.
func renderTextCover(pdfPath, target string) (string, error) {
	f, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	if reader.NumPage() < 1 {
		return "", nil
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		// First page may be image-only or malformed; render a blank cover.
		text = ""
	}

	img := image.NewRGBA(image.Rect(0, 0, coverWidth, coverHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	y := marginY
	for _, line := range wrapLines(text) {
		if y > coverHeight-marginY {
			break
		}
		drawer.Dot = fixed.P(marginX, y)
		drawer.DrawString(line)
		y += lineHeight
	}

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create cover: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}
	return target, nil
}

func wrapLines(text string) []string {
	words := strings.Fields(text)
	var lines []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxLineLen {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
