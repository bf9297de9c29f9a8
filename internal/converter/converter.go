// Package converter turns source documents into Markdown plus extracted
// assets. Conversion is a pure function of the input bytes: no filesystem
// or network access, so the job pipeline can retry it freely.
package converter

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for file types the converter does
	// not recognize.
	ErrUnsupportedFormat = errors.New("unsupported file type")
	// ErrCorruptInput is returned when a recognized file cannot be parsed.
	ErrCorruptInput = errors.New("corrupt input")
)

// Asset is a binary blob extracted from a document, referenced from the
// Markdown output by its relative path.
type Asset struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data_base64"`
}

// Document is the result of a conversion.
type Document struct {
	Markdown string
	Assets   []Asset
}

const assetPrefix = "assets"

// ToMarkdown converts a PDF, DOCX, PPTX, CSV, XLSX, HTML, or plain-text
// file to Markdown. The filename is used only to pick the format.
func ToMarkdown(data []byte, filename string) (Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	sink := &assetSink{}

	var (
		markdown string
		err      error
	)
	switch ext {
	case ".pdf":
		markdown, err = convertPDF(data)
	case ".docx":
		markdown, err = convertDOCX(data, sink)
	case ".ppt", ".pptx":
		markdown, err = convertPPTX(data, sink)
	case ".csv":
		markdown, err = convertCSV(data)
	case ".xlsx":
		markdown, err = convertXLSX(data)
	case ".html", ".htm":
		markdown, err = convertHTML(data, sink)
	case ".txt", ".md", ".markdown":
		markdown, err = convertText(data)
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Document{}, err
	}
	return Document{
		Markdown: strings.TrimSpace(markdown) + "\n",
		Assets:   sink.assets,
	}, nil
}

// assetSink collects extracted assets, normalizing raster content on the
// way in.
type assetSink struct {
	assets []Asset
}

// add records an asset and returns the relative path to reference from the
// Markdown output.
func (s *assetSink) add(name string, content []byte, contentType string) string {
	norm := normalizeRaster(name, content, contentType)
	ref := path.Join(assetPrefix, norm.name)
	s.assets = append(s.assets, Asset{
		Path:        ref,
		ContentType: norm.contentType,
		Data:        norm.data,
	})
	return ref
}

func guessContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
