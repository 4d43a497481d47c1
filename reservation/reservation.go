// Package reservation creates and lists reservation records through the
// backend. Reservations are never created or changed locally.
package reservation

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"library-catalog/api"
	"library-catalog/library"
)

const (
	reserveFailed = "Failed to reserve book"
	listFailed    = "Failed to load reservations"
	returnFailed  = "Failed to return book"
	cancelFailed  = "Failed to cancel reservation"
)

// Client is the reservation client.
type Client struct {
	api    *api.Client
	logger *slog.Logger
}

// New creates a reservation client. A nil logger means slog.Default().
func New(apiClient *api.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: apiClient, logger: logger.With("component", "reservation")}
}

type createRequest struct {
	BookID string `json:"bookId"`
	UserID string `json:"userId"`
}

// Create reserves a copy of bookID for userID. The backend answers 400
// when no copy is left, which is reported as KindConflict with the
// server's message.
func (c *Client) Create(ctx context.Context, bookID, userID string) (library.Reservation, error) {
	var res library.Reservation
	err := c.api.Post(ctx, "/api/reservations", createRequest{BookID: bookID, UserID: userID}, &res)
	if err != nil {
		c.logger.Info("reservation rejected", "book_id", bookID, "error", err)
		if api.IsBadRequest(err) || api.IsConflict(err) {
			return library.Reservation{}, api.ClassifyAs(library.KindConflict, err, reserveFailed)
		}
		return library.Reservation{}, api.Classify(err, reserveFailed)
	}
	c.logger.Info("reservation created", "reservation_id", res.ID, "book_id", bookID)
	return res, nil
}

// ListByUser returns the reservations of one member.
func (c *Client) ListByUser(ctx context.Context, userID string) ([]library.Reservation, error) {
	return c.fetchList(ctx, "/api/reservations/user/"+url.PathEscape(userID))
}

// List returns every reservation. Admin only.
func (c *Client) List(ctx context.Context) ([]library.Reservation, error) {
	return c.fetchList(ctx, "/api/reservations")
}

// Return asks the backend to mark an active reservation returned. The
// client keeps no state for it; callers re-list to see the new status.
func (c *Client) Return(ctx context.Context, id string) error {
	return c.transition(ctx, id, "return", returnFailed)
}

// Cancel asks the backend to cancel an active reservation.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.transition(ctx, id, "cancel", cancelFailed)
}

func (c *Client) transition(ctx context.Context, id, action, fallback string) error {
	if strings.TrimSpace(id) == "" {
		return library.NewError(library.KindNotFound, "Reservation not found", nil)
	}
	if err := c.api.Post(ctx, "/api/reservations/"+url.PathEscape(id)+"/"+action, nil, nil); err != nil {
		return api.Classify(err, fallback)
	}
	c.logger.Info("reservation updated", "reservation_id", id, "action", action)
	return nil
}

func (c *Client) fetchList(ctx context.Context, path string) ([]library.Reservation, error) {
	var out []library.Reservation
	if err := c.api.Get(ctx, path, nil, &out); err != nil {
		return nil, api.Classify(err, listFailed)
	}
	if out == nil {
		out = []library.Reservation{}
	}
	return out, nil
}

// Summary counts reservations by status for the profile page.
type Summary struct {
	Total     int
	Active    int
	Returned  int
	Cancelled int
	Overdue   int
}

// Summarize counts reservations. Overdue counts active reservations
// past their expected return as well as those the server marked overdue.
func Summarize(reservations []library.Reservation, now time.Time) Summary {
	var s Summary
	for _, r := range reservations {
		s.Total++
		switch r.Status {
		case library.StatusActive:
			s.Active++
		case library.StatusReturned:
			s.Returned++
		case library.StatusCancelled:
			s.Cancelled++
		case library.StatusOverdue, library.StatusUnknown:
		}
		if r.Overdue(now) {
			s.Overdue++
		}
	}
	return s
}
