package ingestion

import (
	"context"
	"fmt"
)

// DefaultCodeLookupChunkSize bounds the number of codes sent to the catalog per lookup.
const DefaultCodeLookupChunkSize = 500

// CodeValidator checks that every diagnosis code an event references exists in the catalog.
type CodeValidator struct {
	catalog   CodeCatalog
	chunkSize int
}

// NewCodeValidator creates a validator that queries catalog in chunks of chunkSize codes.
// A non-positive chunkSize falls back to DefaultCodeLookupChunkSize.
func NewCodeValidator(catalog CodeCatalog, chunkSize int) *CodeValidator {
	if chunkSize <= 0 {
		chunkSize = DefaultCodeLookupChunkSize
	}

	return &CodeValidator{catalog: catalog, chunkSize: chunkSize}
}

// Validate returns an *UnknownCodesError listing the codes missing from the catalog, in input
// order, or nil when all exist. Catalog failures are returned wrapped as they are.
func (v *CodeValidator) Validate(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		return nil
	}

	known := make(map[string]struct{}, len(codes))

	for start := 0; start < len(codes); start += v.chunkSize {
		end := min(start+v.chunkSize, len(codes))

		found, err := v.catalog.ExistingCodes(ctx, codes[start:end])
		if err != nil {
			return fmt.Errorf("diagnosis code lookup: %w", err)
		}

		for code := range found {
			known[code] = struct{}{}
		}
	}

	var unknown []string

	for _, code := range codes {
		if _, ok := known[code]; !ok {
			unknown = append(unknown, code)
		}
	}

	if len(unknown) > 0 {
		return &UnknownCodesError{Codes: unknown}
	}

	return nil
}
