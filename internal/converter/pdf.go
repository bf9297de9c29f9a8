package converter

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Fragments within this many points vertically belong to the same line.
const pdfLineTolerance = 2.0

type pdfLine struct {
	text string
	size float64
}

func convertPDF(data []byte) (markdown string, err error) {
	// The pdf library panics on some malformed files; treat that the same
	// as a parse error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: pdf: %v", ErrCorruptInput, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: pdf: %v", ErrCorruptInput, err)
	}

	var parts []string
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		content := page.Content()
		lines := groupPDFLines(content.Text)
		if len(lines) == 0 {
			continue
		}
		parts = append(parts, renderPDFLines(lines, averageFontSize(content.Text), pageNum)...)
		if pageNum < total && len(parts) > 0 && parts[len(parts)-1] != "---" {
			parts = append(parts, "---")
		}
	}
	if n := len(parts); n > 0 && parts[n-1] == "---" {
		parts = parts[:n-1]
	}
	return collapseBlankLines(strings.Join(parts, "\n\n")), nil
}

// groupPDFLines orders text fragments top-to-bottom, left-to-right, and
// joins fragments sharing a baseline into lines.
func groupPDFLines(texts []pdf.Text) []pdfLine {
	if len(texts) == 0 {
		return nil
	}
	frags := make([]pdf.Text, len(texts))
	copy(frags, texts)
	sort.SliceStable(frags, func(i, j int) bool {
		if diff := frags[i].Y - frags[j].Y; diff > pdfLineTolerance || diff < -pdfLineTolerance {
			// PDF Y grows upward.
			return frags[i].Y > frags[j].Y
		}
		return frags[i].X < frags[j].X
	})

	var (
		lines   []pdfLine
		cur     strings.Builder
		curSize float64
	)
	curY := frags[0].Y
	flush := func() {
		if text := normalizeWhitespace(cur.String()); text != "" {
			lines = append(lines, pdfLine{text: text, size: curSize})
		}
		cur.Reset()
		curSize = 0
	}
	for _, t := range frags {
		if t.Y < curY-pdfLineTolerance || t.Y > curY+pdfLineTolerance {
			flush()
			curY = t.Y
		}
		cur.WriteString(t.S)
		if t.FontSize > curSize {
			curSize = t.FontSize
		}
	}
	flush()
	return lines
}

func averageFontSize(texts []pdf.Text) float64 {
	var sum float64
	n := 0
	for _, t := range texts {
		if t.FontSize > 0 {
			sum += t.FontSize
			n++
		}
	}
	if n == 0 {
		return 12.0
	}
	return sum / float64(n)
}

var pdfBulletPattern = regexp.MustCompile(`^\s*([-*\x{2022}\x{2023}\x{25CF}]|\d+[.)])\s+`)

func renderPDFLines(lines []pdfLine, avg float64, pageNum int) []string {
	var (
		parts []string
		para  []string
	)
	flushPara := func() {
		if len(para) > 0 {
			parts = append(parts, strings.Join(para, "\n"))
			para = nil
		}
	}
	for _, line := range lines {
		if isBarePageNumber(line.text, pageNum) {
			continue
		}
		switch level := pdfHeadingLevel(line.size, avg); {
		case pdfBulletPattern.MatchString(line.text):
			flushPara()
			parts = append(parts, "- "+escapeMarkdown(strings.TrimSpace(pdfBulletPattern.ReplaceAllString(line.text, ""))))
		case level > 0:
			flushPara()
			parts = append(parts, formatHeading(escapeMarkdown(line.text), level))
		default:
			para = append(para, escapeMarkdown(line.text))
		}
	}
	flushPara()
	return parts
}

// pdfHeadingLevel infers a heading level from the line's font size relative
// to the page average.
func pdfHeadingLevel(size, avg float64) int {
	if avg <= 0 {
		return 0
	}
	switch {
	case size >= avg*1.8:
		return 1
	case size >= avg*1.35:
		return 2
	}
	return 0
}

// isBarePageNumber drops short numeric lines that just restate the page
// number.
func isBarePageNumber(text string, pageNum int) bool {
	text = strings.TrimSpace(text)
	if len(text) == 0 || len(text) > 2 {
		return false
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return false
	}
	return n == pageNum
}
