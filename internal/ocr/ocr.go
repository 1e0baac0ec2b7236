// Package ocr extracts printed text from canonical card images.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
)

// Extractor extracts text content from an image file.
type Extractor interface {
	TextFrom(ctx context.Context, imagePath string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg.TesseractPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
