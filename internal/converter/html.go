package converter

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

func convertHTML(data []byte, sink *assetSink) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: html: %v", ErrCorruptInput, err)
	}
	c := &htmlConverter{sink: sink, imageIndex: 1}
	body := findHTMLNode(root, "body")
	if body == nil {
		body = root
	}
	c.walkBlocks(body)
	c.flushParagraph()
	return collapseBlankLines(strings.Join(c.blocks, "\n\n")), nil
}

type htmlConverter struct {
	sink       *assetSink
	blocks     []string
	para       strings.Builder
	imageIndex int
}

func findHTMLNode(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findHTMLNode(child, name); found != nil {
			return found
		}
	}
	return nil
}

func htmlAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (c *htmlConverter) flushParagraph() {
	text := normalizeWhitespace(c.para.String())
	c.para.Reset()
	if text != "" {
		c.blocks = append(c.blocks, text)
	}
}

// walkBlocks dispatches block-level elements; inline content accumulates in
// the current paragraph until the next block boundary.
func (c *htmlConverter) walkBlocks(n *html.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			c.para.WriteString(escapeMarkdown(child.Data))
		case html.ElementNode:
			switch child.Data {
			case "script", "style", "head", "noscript":
				// skip
			case "h1", "h2", "h3", "h4", "h5", "h6":
				c.flushParagraph()
				level := int(child.Data[1] - '0')
				text := normalizeWhitespace(c.inlineText(child))
				if text != "" {
					c.blocks = append(c.blocks, formatHeading(text, level))
				}
			case "p", "div", "section", "article", "header", "footer", "main":
				c.flushParagraph()
				c.walkBlocks(child)
				c.flushParagraph()
			case "ul", "ol":
				c.flushParagraph()
				c.renderList(child, 0)
			case "pre":
				c.flushParagraph()
				code := strings.Trim(rawText(child), "\n")
				c.blocks = append(c.blocks, "```\n"+code+"\n```")
			case "table":
				c.flushParagraph()
				if table := c.renderTable(child); table != "" {
					c.blocks = append(c.blocks, table)
				}
			case "br":
				c.para.WriteString(" ")
			case "hr":
				c.flushParagraph()
				c.blocks = append(c.blocks, "---")
			case "blockquote":
				c.flushParagraph()
				c.walkBlocks(child)
				if len(c.blocks) > 0 {
					last := c.blocks[len(c.blocks)-1]
					c.blocks[len(c.blocks)-1] = "> " + strings.ReplaceAll(last, "\n", "\n> ")
				}
			case "img":
				if ref := c.imageRef(child); ref != "" {
					c.flushParagraph()
					alt := htmlAttr(child, "alt")
					if alt == "" {
						alt = "Image"
					}
					c.blocks = append(c.blocks, fmt.Sprintf("![%s](%s)", escapeMarkdown(alt), ref))
				}
			default:
				c.para.WriteString(c.renderInline(child))
			}
		}
	}
}

// inlineText renders an element's descendants as markdown inline text.
func (c *htmlConverter) inlineText(n *html.Node) string {
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.TextNode:
			sb.WriteString(escapeMarkdown(child.Data))
		case html.ElementNode:
			sb.WriteString(c.renderInline(child))
		}
	}
	return sb.String()
}

// renderInline renders one inline element, wrapping markup included.
func (c *htmlConverter) renderInline(n *html.Node) string {
	inner := c.inlineText(n)
	switch n.Data {
	case "b", "strong":
		if strings.TrimSpace(inner) != "" {
			return "**" + strings.TrimSpace(inner) + "**"
		}
	case "i", "em":
		if strings.TrimSpace(inner) != "" {
			return "*" + strings.TrimSpace(inner) + "*"
		}
	case "code":
		if strings.TrimSpace(inner) != "" {
			return "`" + rawText(n) + "`"
		}
	case "a":
		href := htmlAttr(n, "href")
		text := strings.TrimSpace(inner)
		if text == "" {
			text = href
		}
		if href != "" {
			return fmt.Sprintf("[%s](%s)", text, href)
		}
		return text
	case "img":
		if ref := c.imageRef(n); ref != "" {
			alt := htmlAttr(n, "alt")
			if alt == "" {
				alt = "Image"
			}
			return fmt.Sprintf("![%s](%s)", escapeMarkdown(alt), ref)
		}
	case "br":
		return " "
	case "script", "style":
		return ""
	default:
		return inner
	}
	return ""
}

func (c *htmlConverter) renderList(n *html.Node, depth int) {
	ordered := n.Data == "ol"
	index := 1
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.Data != "li" {
			continue
		}
		var nested []*html.Node
		var sb strings.Builder
		for grand := child.FirstChild; grand != nil; grand = grand.NextSibling {
			if grand.Type == html.ElementNode && (grand.Data == "ul" || grand.Data == "ol") {
				nested = append(nested, grand)
				continue
			}
			if grand.Type == html.TextNode {
				sb.WriteString(escapeMarkdown(grand.Data))
			} else if grand.Type == html.ElementNode {
				sb.WriteString(c.inlineText(grand))
			}
		}
		text := normalizeWhitespace(sb.String())
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
			index++
		}
		if text != "" {
			c.blocks = append(c.blocks, strings.Repeat("  ", depth)+marker+text)
		}
		for _, sub := range nested {
			c.renderList(sub, depth+1)
		}
	}
}

func (c *htmlConverter) renderTable(n *html.Node) string {
	var rows [][]string
	var collect func(node *html.Node)
	collect = func(node *html.Node) {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			if child.Data == "tr" {
				var row []string
				for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
						row = append(row, normalizeWhitespace(c.inlineText(cell)))
					}
				}
				rows = append(rows, row)
				continue
			}
			collect(child)
		}
	}
	collect(n)
	return pipeTable(rows)
}

// imageRef stores an inline data URI as an asset and returns its relative
// path. Remote URLs pass through untouched.
func (c *htmlConverter) imageRef(n *html.Node) string {
	src := htmlAttr(n, "src")
	if src == "" {
		return ""
	}
	if !strings.HasPrefix(src, "data:") {
		return src
	}
	meta, payload, ok := strings.Cut(src[len("data:"):], ",")
	if !ok {
		return ""
	}
	if !strings.Contains(meta, ";base64") {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ""
	}
	contentType, _, _ := strings.Cut(meta, ";")
	ext := extForContentType(contentType)
	name := fmt.Sprintf("html_image_%d%s", c.imageIndex, ext)
	c.imageIndex++
	return c.sink.add(name, raw, contentType)
}

func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

func extForContentType(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}
