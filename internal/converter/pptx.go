package converter

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slideNamePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func convertPPTX(data []byte, sink *assetSink) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: pptx: %v", ErrCorruptInput, err)
	}

	type slideFile struct {
		num  int
		name string
	}
	var slides []slideFile
	for _, f := range zr.File {
		if m := slideNamePattern.FindStringSubmatch(f.Name); m != nil {
			num, _ := strconv.Atoi(m[1])
			slides = append(slides, slideFile{num: num, name: f.Name})
		}
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("%w: pptx: no slides", ErrCorruptInput)
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var (
		parts      []string
		imageIndex = 1
	)
	for order, slide := range slides {
		slideNumber := order + 1
		content, ok := readZipFile(zr, slide.name)
		if !ok {
			continue
		}
		relsName := "ppt/slides/_rels/slide" + strconv.Itoa(slide.num) + ".xml.rels"
		rels := parseRels(zr, relsName)

		parts = append(parts, formatHeading(fmt.Sprintf("Slide %d", slideNumber), 1))
		slideParts, nextIndex, err := renderSlide(zr, sink, rels, content, slideNumber, imageIndex)
		if err != nil {
			return "", err
		}
		imageIndex = nextIndex
		parts = append(parts, slideParts...)
	}
	return collapseBlankLines(strings.Join(parts, "\n\n")), nil
}

// renderSlide walks one slide part. Each a:p paragraph becomes a bullet line
// indented to its outline level, and embedded pictures become assets.
func renderSlide(zr *zip.Reader, sink *assetSink, rels map[string]string, content []byte, slideNumber, imageIndex int) ([]string, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		parts  []string
		para   strings.Builder
		level  int
		inPara bool
	)
	flush := func() {
		text := escapeMarkdown(normalizeWhitespace(para.String()))
		para.Reset()
		if text == "" {
			return
		}
		prefix := strings.Repeat("  ", level) + "- "
		parts = append(parts, prefix+text)
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, imageIndex, fmt.Errorf("%w: pptx: %v", ErrCorruptInput, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				level = 0
				para.Reset()
			case "pPr":
				if inPara {
					level = atoiDefault(attrVal(t, "lvl"), 0)
				}
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err == nil && inPara {
					para.WriteString(text)
				}
			case "br":
				if inPara {
					para.WriteString(" ")
				}
			case "blip":
				base := fmt.Sprintf("slide%d_img%d", slideNumber, imageIndex)
				if ref := zipImageRef(zr, sink, rels, attrVal(t, "embed"), "ppt/slides", base); ref != "" {
					parts = append(parts, fmt.Sprintf("![Slide %d Image](%s)", slideNumber, ref))
					imageIndex++
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inPara {
				flush()
				inPara = false
			}
		}
	}
	return parts, imageIndex, nil
}
