package catalog

import (
	"context"
	"strings"
	"testing"

	"library-catalog/apitest"
	"library-catalog/library"
)

const sampleCatalogue = `[
	// Tolkien
	{"title": "The Fellowship of the Ring", "author": "J.R.R. Tolkien", "categories": ["Fantasy"], "totalCopies": 3},
	{"title": "The Two Towers", "author": "J.R.R. Tolkien", "categories": ["Fantasy"]},
	/* missing author */
	{"title": "Anonymous Pamphlet"},
	{"title": "Lost Manuscript", "author": "Unknown", "totalCopies": 0},
]`

func TestParseCatalogue(t *testing.T) {
	books, err := ParseCatalogue([]byte(sampleCatalogue))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(books) != 4 {
		t.Fatalf("books = %d, want 4", len(books))
	}
	if books[0].TotalCopies != 3 || books[1].TotalCopies != 1 || books[3].TotalCopies != 0 {
		t.Errorf("copies = %d, %d, %d; want 3, 1, 0", books[0].TotalCopies, books[1].TotalCopies, books[3].TotalCopies)
	}
	if books[0].Title != "The Fellowship of the Ring" || books[0].Categories[0] != "Fantasy" {
		t.Errorf("first entry = %+v", books[0])
	}

	if _, err := ParseCatalogue([]byte(`{"title": "not an array"}`)); err == nil {
		t.Error("expected error for a non-array catalogue")
	}
}

func TestImport(t *testing.T) {
	server := apitest.New(t)
	server.AddUser("root", "pw", library.RoleAdmin)
	client := server.Client(t)
	client.SetBearerToken(server.TokenFor("root"))
	c := New(client, nil)

	entries, err := ParseCatalogue([]byte(sampleCatalogue))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var reported int
	results := c.Import(context.Background(), entries, func(ImportResult) { reported++ })
	if reported != len(entries) || len(results) != len(entries) {
		t.Fatalf("reported %d results for %d entries", reported, len(entries))
	}
	if results[0].Err != nil || results[0].Book.AvailableCopies != 3 {
		t.Errorf("first entry = %+v", results[0])
	}
	if results[2].Err == nil || !strings.Contains(results[2].Err.Error(), "author is required") {
		t.Errorf("invalid entry err = %v", results[2].Err)
	}
	if results[3].Err == nil || !strings.Contains(results[3].Err.Error(), "total copies must be at least 1") {
		t.Errorf("zero copies err = %v", results[3].Err)
	}
	if calls := server.Calls("POST", "/api/books"); calls != 2 {
		t.Errorf("create calls = %d, want 2", calls)
	}
}
