package library

import (
	"sort"
	"strings"
)

// SimilarLimit is how many related titles the book page shows.
const SimilarLimit = 3

// Filter is the in-memory search and category predicate applied on top
// of whatever the server returned. It matches the server-side search
// and category endpoints so the two layers agree.
type Filter struct {
	Query    string
	Category string
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return strings.TrimSpace(f.Query) == "" && f.Category == ""
}

// Match reports whether b satisfies both predicates: the query is a
// case-insensitive substring of the title or author, and the category
// is one of the book's categories. Empty parts match everything.
func (f Filter) Match(b Book) bool {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	matchesSearch := q == "" ||
		strings.Contains(strings.ToLower(b.Title), q) ||
		strings.Contains(strings.ToLower(b.Author), q)
	matchesCategory := f.Category == "" || b.HasCategory(f.Category)
	return matchesSearch && matchesCategory
}

// Apply returns the books matching f, preserving order.
func (f Filter) Apply(books []Book) []Book {
	out := make([]Book, 0, len(books))
	for _, b := range books {
		if f.Match(b) {
			out = append(out, b)
		}
	}
	return out
}

// Categories returns the distinct categories across books, sorted.
func Categories(books []Book) []string {
	seen := make(map[string]struct{})
	for _, b := range books {
		for _, c := range b.Categories {
			if c == "" {
				continue
			}
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Similar drops the book with id selfID and keeps at most limit books.
func Similar(books []Book, selfID string, limit int) []Book {
	out := make([]Book, 0, limit)
	for _, b := range books {
		if len(out) >= limit {
			break
		}
		if b.ID == selfID {
			continue
		}
		out = append(out, b)
	}
	return out
}
