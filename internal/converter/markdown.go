package converter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var markdownEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"|", "\\|",
	"`", "\\`",
)

func escapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

func formatHeading(text string, level int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " " + text
}

// collapseBlankLines squashes runs of blank lines down to a single one.
func collapseBlankLines(text string) string {
	var (
		out       []string
		prevBlank bool
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
			prevBlank = false
			continue
		}
		if !prevBlank {
			out = append(out, "")
			prevBlank = true
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// pipeTable renders rows as a Markdown table, first row as header. Ragged
// rows are padded to the widest row.
func pipeTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return ""
	}

	renderRow := func(row []string) string {
		cells := make([]string, width)
		for i := range cells {
			cell := " "
			if i < len(row) {
				if c := normalizeWhitespace(row[i]); c != "" {
					cell = escapeMarkdown(c)
				}
			}
			cells[i] = cell
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, renderRow(rows[0]))
	divider := make([]string, width)
	for i := range divider {
		divider[i] = "---"
	}
	lines = append(lines, "| "+strings.Join(divider, " | ")+" |")
	for _, row := range rows[1:] {
		lines = append(lines, renderRow(row))
	}
	return strings.Join(lines, "\n")
}

func convertText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrCorruptInput)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return collapseBlankLines(text), nil
}
