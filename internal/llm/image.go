package llm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// EncodeImageDataURI loads an image, applies EXIF orientation, shrinks it so
// neither side exceeds maxSide (0 keeps the size) and returns a data URI.
// Formats the decoder does not know are passed through unchanged.
func EncodeImageDataURI(path string, maxSide int) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return readAsDataURL(path)
	}
	if maxSide > 0 {
		b := img.Bounds()
		if b.Dx() > maxSide || b.Dy() > maxSide {
			img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
		}
	}
	return encodeDataURI(img, strings.EqualFold(filepath.Ext(path), ".png"))
}

func encodeDataURI(img image.Image, lossless bool) (string, error) {
	var buf bytes.Buffer
	format, mimeType := imaging.JPEG, "image/jpeg"
	if lossless {
		format, mimeType = imaging.PNG, "image/png"
	}
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func readAsDataURL(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

// DefaultOCRPrompt asks a vision model for a verbatim transcription.
const DefaultOCRPrompt = "Transcribe all handwritten or printed text in this image exactly as written. " +
	"Keep paragraph breaks as blank lines. Return only the transcription."

// NewOCRRequest builds a multimodal request carrying one image.
func NewOCRRequest(dataURI, prompt string) Request {
	if prompt == "" {
		prompt = DefaultOCRPrompt
	}
	return Request{
		Messages: []Message{{
			Role:  RoleUser,
			Parts: []ContentPart{TextPart(prompt), ImagePart(dataURI)},
		}},
	}
}
