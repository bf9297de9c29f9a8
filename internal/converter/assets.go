package converter

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

type normalizedAsset struct {
	name        string
	contentType string
	data        []byte
}

// normalizeRaster re-encodes raster images so downstream consumers only ever
// see RGB PNG or JPEG. CMYK and paletted sources are converted, and alpha is
// flattened onto a white background. Anything that does not decode as an
// image passes through untouched.
func normalizeRaster(name string, content []byte, contentType string) normalizedAsset {
	if contentType == "" {
		contentType = guessContentType(name)
	}
	if !strings.HasPrefix(contentType, "image/") || contentType == "image/svg+xml" {
		return normalizedAsset{name: name, contentType: contentType, data: content}
	}

	src, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return normalizedAsset{name: name, contentType: contentType, data: content}
	}

	// Clone converts any source model, CMYK included, into NRGBA.
	nrgba := imaging.Clone(src)
	if hasAlpha(nrgba) {
		flat := imaging.New(nrgba.Bounds().Dx(), nrgba.Bounds().Dy(), color.White)
		nrgba = imaging.Overlay(flat, nrgba, image.Point{}, 1.0)
	}

	var (
		buf bytes.Buffer
		ext string
	)
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, nrgba, &jpeg.Options{Quality: 85}); err != nil {
			return normalizedAsset{name: name, contentType: contentType, data: content}
		}
		ext = ".jpg"
		contentType = "image/jpeg"
	} else {
		if err := png.Encode(&buf, nrgba); err != nil {
			return normalizedAsset{name: name, contentType: contentType, data: content}
		}
		ext = ".png"
		contentType = "image/png"
	}
	return normalizedAsset{name: forceExt(name, ext), contentType: contentType, data: buf.Bytes()}
}

func hasAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xFF {
			return true
		}
	}
	return false
}

func forceExt(name, ext string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name + ext
}
