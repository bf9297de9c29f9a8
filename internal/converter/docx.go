package converter

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type docxRun struct {
	text      string
	image     string // markdown ref; set instead of text for embedded images
	bold      bool
	italic    bool
	underline bool
}

type docxParagraph struct {
	style     string
	listLevel int // -1 when the paragraph is not a list item
	runs      []docxRun
}

type docxConverter struct {
	zr         *zip.Reader
	sink       *assetSink
	rels       map[string]string
	imageIndex int
}

func convertDOCX(data []byte, sink *assetSink) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: docx: %v", ErrCorruptInput, err)
	}
	docXML, ok := readZipFile(zr, "word/document.xml")
	if !ok {
		return "", fmt.Errorf("%w: docx: missing word/document.xml", ErrCorruptInput)
	}
	c := &docxConverter{
		zr:         zr,
		sink:       sink,
		rels:       parseRels(zr, "word/_rels/document.xml.rels"),
		imageIndex: 1,
	}

	dec := xml.NewDecoder(bytes.NewReader(docXML))
	var blocks []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: docx: %v", ErrCorruptInput, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "p":
			if rendered := c.renderParagraph(c.parseParagraph(dec)); rendered != "" {
				blocks = append(blocks, rendered)
			}
		case "tbl":
			if table := pipeTable(c.parseTable(dec)); table != "" {
				blocks = append(blocks, table)
			}
		}
	}
	return collapseBlankLines(strings.Join(blocks, "\n\n")), nil
}

// parseParagraph consumes tokens up to the matching paragraph end. Formatting
// toggles live in run properties; text arrives in w:t elements.
func (c *docxConverter) parseParagraph(dec *xml.Decoder) docxParagraph {
	para := docxParagraph{listLevel: -1}
	depth := 1
	var (
		run        docxRun
		inRunProps bool
	)
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return para
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				depth++
			case "pStyle":
				para.style = attrVal(t, "val")
			case "numPr":
				if para.listLevel < 0 {
					para.listLevel = 0
				}
			case "ilvl":
				para.listLevel = atoiDefault(attrVal(t, "val"), 0)
			case "r":
				run = docxRun{}
			case "rPr":
				inRunProps = true
			case "b":
				if inRunProps && !isOOXMLOff(attrVal(t, "val")) {
					run.bold = true
				}
			case "i":
				if inRunProps && !isOOXMLOff(attrVal(t, "val")) {
					run.italic = true
				}
			case "u":
				if inRunProps && attrVal(t, "val") != "none" {
					run.underline = true
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err == nil && text != "" {
					r := run
					r.text = text
					para.runs = append(para.runs, r)
				}
			case "blip":
				if ref := c.saveImage(attrVal(t, "embed")); ref != "" {
					para.runs = append(para.runs, docxRun{image: ref})
				}
			case "br", "cr", "tab":
				para.runs = append(para.runs, docxRun{text: " "})
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				depth--
			case "rPr":
				inRunProps = false
			}
		}
	}
	return para
}

// renderParagraph merges adjacent runs with identical formatting before
// wrapping them, so bold text split across runs comes out as one span.
func (c *docxConverter) renderParagraph(para docxParagraph) string {
	var (
		frags    []string
		buf      strings.Builder
		curStyle [3]bool
		started  bool
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		wrapped := buf.String()
		switch {
		case curStyle[0] && curStyle[1]:
			wrapped = "***" + wrapped + "***"
		case curStyle[0]:
			wrapped = "**" + wrapped + "**"
		case curStyle[1]:
			wrapped = "*" + wrapped + "*"
		}
		if curStyle[2] {
			wrapped = "__" + wrapped + "__"
		}
		frags = append(frags, wrapped)
		buf.Reset()
	}

	for _, run := range para.runs {
		if run.image != "" {
			flush()
			started = false
			frags = append(frags, fmt.Sprintf("![Embedded Image](%s)", run.image))
			continue
		}
		text := escapeMarkdown(run.text)
		if text == "" {
			continue
		}
		style := [3]bool{run.bold, run.italic, run.underline}
		if !started || style != curStyle {
			flush()
			curStyle = style
			started = true
		}
		buf.WriteString(text)
	}
	flush()

	content := strings.TrimSpace(strings.Join(frags, ""))
	if content == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(para.style, "Heading"):
		return formatHeading(content, headingLevelFromStyle(para.style))
	case para.listLevel >= 0:
		return strings.Repeat("  ", para.listLevel) + "- " + content
	case strings.Contains(para.style, "List"):
		return "- " + content
	case strings.HasPrefix(strings.ToLower(para.style), "code"):
		return "```\n" + content + "\n```"
	}
	return content
}

func (c *docxConverter) parseTable(dec *xml.Decoder) [][]string {
	var (
		rows   [][]string
		row    []string
		cell   strings.Builder
		inCell bool
	)
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				depth++
			case "tr":
				row = nil
			case "tc":
				cell.Reset()
				inCell = true
			case "t":
				if inCell {
					var text string
					if err := dec.DecodeElement(&text, &t); err == nil {
						cell.WriteString(text)
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				depth--
			case "p":
				if inCell {
					cell.WriteString(" ")
				}
			case "tc":
				row = append(row, strings.TrimSpace(cell.String()))
				inCell = false
			case "tr":
				if len(row) > 0 {
					rows = append(rows, row)
				}
			}
		}
	}
	return rows
}

func (c *docxConverter) saveImage(relID string) string {
	ref := zipImageRef(c.zr, c.sink, c.rels, relID, "word", fmt.Sprintf("doc_image_%d", c.imageIndex))
	if ref != "" {
		c.imageIndex++
	}
	return ref
}
