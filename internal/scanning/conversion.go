package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// preparedImage is an image ready to send to a collaborator
type preparedImage struct {
	Data      []byte
	MimeType  string
	Converted bool
}

// renderPDFPage renders the first page of a PDF as PNG
func renderPDFPage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// decodeImage decodes HEIC/HEIF with the pure Go decoder and everything else with image.Decode
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if isHEIC(data, mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIC checks the ftyp brand at offset 4 and the declared MIME type.
// Phone cameras often upload HEIC with a generic or wrong content type.
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// prepareImage normalizes the MIME type and converts anything that is not PNG to PNG.
// Failures are classified as bad requests since the image itself is unusable.
func prepareImage(data []byte, contentType string) (preparedImage, error) {
	if len(data) == 0 {
		return preparedImage{}, newError(KindBadRequest, "image is empty", nil)
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "image/png" && !isHEIC(data, mimeType) {
		return preparedImage{Data: data, MimeType: "image/png"}, nil
	}

	var pngData []byte
	if mimeType == "application/pdf" {
		rendered, err := renderPDFPage(data)
		if err != nil {
			return preparedImage{}, newError(KindBadRequest, "converting PDF to image", err)
		}
		pngData = rendered
	} else {
		img, err := decodeImage(data, mimeType)
		if err != nil {
			return preparedImage{}, newError(KindBadRequest, "converting image to PNG", err)
		}
		if pngData, err = encodePNG(img); err != nil {
			return preparedImage{}, newError(KindBadRequest, "converting image to PNG", err)
		}
	}

	return preparedImage{Data: pngData, MimeType: "image/png", Converted: true}, nil
}
