// Package catalog reads and manages book records through the backend.
package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"library-catalog/api"
	"library-catalog/library"
)

// FeaturedCount is how many books the home page shows.
const FeaturedCount = 6

const (
	booksFailed  = "Failed to load books"
	bookFailed   = "Failed to load book details"
	saveFailed   = "Failed to save book"
	deleteFailed = "Failed to delete book"
)

// Client is the catalog client. Every call re-fetches from the server;
// nothing is cached between calls.
type Client struct {
	api    *api.Client
	logger *slog.Logger
}

// New creates a catalog client. A nil logger means slog.Default().
func New(apiClient *api.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: apiClient, logger: logger.With("component", "catalog")}
}

// List returns every book.
func (c *Client) List(ctx context.Context) ([]library.Book, error) {
	return c.fetchList(ctx, "/api/books", nil)
}

// Get returns one book. A missing id is a KindNotFound error.
func (c *Client) Get(ctx context.Context, id string) (library.Book, error) {
	if strings.TrimSpace(id) == "" {
		return library.Book{}, library.NewError(library.KindNotFound, "Book not found", nil)
	}
	var book library.Book
	if err := c.api.Get(ctx, "/api/books/"+url.PathEscape(id), nil, &book); err != nil {
		if api.IsNotFound(err) {
			return library.Book{}, library.NewError(library.KindNotFound, "Book not found", err)
		}
		return library.Book{}, api.Classify(err, bookFailed)
	}
	return normalize(c.logger, book), nil
}

// Search returns books whose title or author contains query. A blank
// query lists everything.
func (c *Client) Search(ctx context.Context, query string) ([]library.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.List(ctx)
	}
	return c.fetchList(ctx, "/api/books/search", url.Values{"query": {query}})
}

// ByCategory returns books in any of the given categories. No categories
// lists everything.
func (c *Client) ByCategory(ctx context.Context, categories ...string) ([]library.Book, error) {
	var wanted []string
	for _, category := range categories {
		if category = strings.TrimSpace(category); category != "" {
			wanted = append(wanted, category)
		}
	}
	if len(wanted) == 0 {
		return c.List(ctx)
	}
	return c.fetchList(ctx, "/api/books/category", url.Values{"categories": {strings.Join(wanted, ",")}})
}

// Browse asks the server for the narrowest listing the filter allows,
// then applies the full filter in memory so the result satisfies both
// predicates whichever endpoint answered.
func (c *Client) Browse(ctx context.Context, filter library.Filter) ([]library.Book, error) {
	var (
		books []library.Book
		err   error
	)
	switch {
	case strings.TrimSpace(filter.Query) != "":
		books, err = c.Search(ctx, filter.Query)
	case filter.Category != "":
		books, err = c.ByCategory(ctx, filter.Category)
	default:
		books, err = c.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	return filter.Apply(books), nil
}

// Categories returns the distinct categories across the whole catalogue.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	books, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return library.Categories(books), nil
}

// Featured returns the first n books for the home page.
func (c *Client) Featured(ctx context.Context, n int) ([]library.Book, error) {
	books, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(books) > n {
		books = books[:n]
	}
	return books, nil
}

// Similar returns up to library.SimilarLimit other books sharing the
// first category of book. It is best-effort: failures are logged and
// yield an empty result.
func (c *Client) Similar(ctx context.Context, book library.Book) []library.Book {
	if len(book.Categories) == 0 {
		return []library.Book{}
	}
	books, err := c.fetchList(ctx, "/api/books/category", url.Values{"categories": {book.Categories[0]}})
	if err != nil {
		c.logger.Debug("similar books unavailable", "book_id", book.ID, "error", err)
		return []library.Book{}
	}
	return library.Similar(books, book.ID, library.SimilarLimit)
}

// Create adds a book. The backend fills availableCopies from
// totalCopies when it is not given.
func (c *Client) Create(ctx context.Context, payload library.NewBook) (library.Book, error) {
	var book library.Book
	if err := c.api.Post(ctx, "/api/books", payload, &book); err != nil {
		return library.Book{}, api.Classify(err, saveFailed)
	}
	c.logger.Info("book created", "book_id", book.ID, "title", book.Title)
	return book, nil
}

// Update replaces a book's fields.
func (c *Client) Update(ctx context.Context, id string, payload library.NewBook) (library.Book, error) {
	var book library.Book
	if err := c.api.Do(ctx, http.MethodPut, "/api/books/"+url.PathEscape(id), nil, payload, &book); err != nil {
		return library.Book{}, api.Classify(err, saveFailed)
	}
	return book, nil
}

// Delete removes a book.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.api.Do(ctx, http.MethodDelete, "/api/books/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return api.Classify(err, deleteFailed)
	}
	c.logger.Info("book deleted", "book_id", id)
	return nil
}

func (c *Client) fetchList(ctx context.Context, path string, query url.Values) ([]library.Book, error) {
	var books []library.Book
	if err := c.api.Get(ctx, path, query, &books); err != nil {
		return nil, api.Classify(err, booksFailed)
	}
	for i := range books {
		books[i] = normalize(c.logger, books[i])
	}
	if books == nil {
		books = []library.Book{}
	}
	return books, nil
}

// normalize clamps copy counts the server reported out of range.
func normalize(logger *slog.Logger, book library.Book) library.Book {
	clean, clamped := book.Normalized()
	if clamped {
		logger.Warn("server reported out-of-range copy counts",
			"book_id", book.ID, "available", book.AvailableCopies, "total", book.TotalCopies)
	}
	return clean
}
