// Package render turns session payloads into scannable QR images.
package render

import (
	"encoding/base64"
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of rendered codes.
const DefaultSize = 200

// ContentTypePNG is the MIME type produced by PNGRenderer.
const ContentTypePNG = "image/png"

// ErrEmptyPayload is returned when asked to encode nothing.
var ErrEmptyPayload = errors.New("render: empty payload")

// Renderer encodes a payload into image bytes.
type Renderer interface {
	Render(payload string) ([]byte, error)
	ContentType() string
}

// PNGRenderer renders square PNG QR codes.
type PNGRenderer struct {
	// Size is the image edge in pixels; zero means DefaultSize.
	Size int
	// Level is the error correction level; zero value is qrcode.Low, so callers
	// usually set qrcode.Medium.
	Level qrcode.RecoveryLevel
}

// NewPNGRenderer returns a renderer with medium error correction.
func NewPNGRenderer(size int) PNGRenderer {
	return PNGRenderer{Size: size, Level: qrcode.Medium}
}

func (r PNGRenderer) Render(payload string) ([]byte, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, ErrEmptyPayload
	}
	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(payload, r.Level, size)
}

func (PNGRenderer) ContentType() string { return ContentTypePNG }

// DataURI wraps image bytes as a base64 data: URI suitable for an <img> src.
func DataURI(contentType string, b []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(b)
}
