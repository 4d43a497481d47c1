package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"library-catalog/library"
)

// catalogueEntry tells an absent copy count apart from an explicit zero.
type catalogueEntry struct {
	library.NewBook
	TotalCopies *int `json:"totalCopies"`
}

// ParseCatalogue decodes a JSON array of books. Comments and trailing
// commas are allowed. Entries without a copy count get one copy; an
// explicit count is kept as given and checked on import.
func ParseCatalogue(data []byte) ([]library.NewBook, error) {
	var entries []catalogueEntry
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	books := make([]library.NewBook, len(entries))
	for i, entry := range entries {
		books[i] = entry.NewBook
		books[i].TotalCopies = 1
		if entry.TotalCopies != nil {
			books[i].TotalCopies = *entry.TotalCopies
		}
	}
	return books, nil
}

// ImportResult records the outcome for one catalogue entry.
type ImportResult struct {
	Entry library.NewBook
	Book  library.Book
	Err   error
}

// Import creates each entry in order, continuing past failures. Invalid
// entries are rejected locally without a request. report, if non-nil,
// is called after each entry.
func (c *Client) Import(ctx context.Context, entries []library.NewBook, report func(ImportResult)) []ImportResult {
	results := make([]ImportResult, 0, len(entries))
	for _, entry := range entries {
		result := ImportResult{Entry: entry}
		if err := entry.Validate(); err != nil {
			result.Err = library.NewError(library.KindUnexpected, err.Error(), err)
		} else {
			result.Book, result.Err = c.Create(ctx, entry)
		}
		if result.Err != nil {
			c.logger.Info("import entry failed", "title", entry.Title, "error", result.Err)
		}
		results = append(results, result)
		if report != nil {
			report(result)
		}
	}
	return results
}
