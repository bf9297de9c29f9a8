package converter

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"path"
	"strconv"
	"strings"
)

// Shared plumbing for the OOXML formats (DOCX, PPTX): both are zip
// containers holding XML parts plus media blobs wired up through
// relationship files.

type relationshipsXML struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

func readZipFile(zr *zip.Reader, name string) ([]byte, bool) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

func parseRels(zr *zip.Reader, name string) map[string]string {
	rels := make(map[string]string)
	data, ok := readZipFile(zr, name)
	if !ok {
		return rels
	}
	var parsed relationshipsXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return rels
	}
	for _, r := range parsed.Rels {
		rels[r.ID] = r.Target
	}
	return rels
}

// zipImageRef resolves a relationship id to its media blob and records it
// as an asset named baseName (extension taken from the media file).
func zipImageRef(zr *zip.Reader, sink *assetSink, rels map[string]string, relID, baseDir, baseName string) string {
	if relID == "" {
		return ""
	}
	target, ok := rels[relID]
	if !ok {
		return ""
	}
	name := path.Clean(path.Join(baseDir, target))
	data, ok := readZipFile(zr, name)
	if !ok {
		return ""
	}
	ext := path.Ext(name)
	if ext == "" {
		ext = ".png"
	}
	return sink.add(baseName+ext, data, guessContentType(name))
}

func attrVal(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// isOOXMLOff reports whether a toggle attribute explicitly disables the
// property; absence means on.
func isOOXMLOff(val string) bool {
	return val == "0" || val == "false" || val == "off"
}

func headingLevelFromStyle(style string) int {
	for _, token := range strings.Fields(style) {
		if n, err := strconv.Atoi(token); err == nil {
			return n
		}
	}
	if len(style) > 0 {
		if n, err := strconv.Atoi(style[len(style)-1:]); err == nil {
			return n
		}
	}
	return 1
}
