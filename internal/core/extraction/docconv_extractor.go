package extraction

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"

	"github.com/davekalu/docquery/internal/core"
)

// supportedTypes lists the content types docconv can convert. Anything else is
// rejected up front as an unsupported format rather than surfaced as a
// transient failure.
var supportedTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.oasis.opendocument.text":                                 true,
	"application/vnd.ms-powerpoint":                                           true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
	"text/plain":      true,
	"text/html":       true,
	"text/xml":        true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
}

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

func (e *DocconvExtractor) ExtractText(ctx context.Context, data []byte, contentType string) (*core.ExtractionResult, error) {
	contentType = normalizeContentType(contentType)
	if !supportedTypes[contentType] {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, contentType)
	}

	res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
	if err != nil {
		return nil, fmt.Errorf("docconv %s: %w", contentType, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &core.ExtractionResult{
		Text:      res.Body,
		Structure: res.Meta,
	}, nil
}

// normalizeContentType strips parameters like "; charset=utf-8".
func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
