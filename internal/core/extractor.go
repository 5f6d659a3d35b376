package core

import (
	"context"
	"errors"
)

// ErrUnsupportedFormat signals that the extraction backend cannot handle the
// document's content type at all, as opposed to a transient failure. Jobs
// hitting this go straight to failed.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractionResult is the output of the text-extraction backend.
type ExtractionResult struct {
	Text string
	// Structure carries optional per-document metadata reported by the
	// backend (page counts, detected language, and similar).
	Structure map[string]string
}

// DocumentExtractor turns stored file bytes into plain text. The contentType
// hint selects the parsing strategy.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, data []byte, contentType string) (*ExtractionResult, error)
}
