// Package availability keeps a book-detail view's copy count consistent
// across the reservation round trip.
//
// The server's count is the authority. A view loads it once and then
// holds a local projection: after each confirmed reservation the
// projection drops by one, and nothing else changes it until the view
// is refreshed. The projection never moves before the server confirms,
// so there is nothing to roll back on failure and the displayed count
// never understates real availability.
package availability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"library-catalog/guard"
	"library-catalog/library"
	"library-catalog/session"
)

const reserveFailed = "Failed to reserve book"

var (
	// ErrBusy is returned by Refresh while a reservation or another
	// refresh is in flight.
	ErrBusy = errors.New("availability: view is busy")
	// ErrClosed is returned by Refresh after Close.
	ErrClosed = errors.New("availability: view is closed")
)

// BookSource loads authoritative book records.
type BookSource interface {
	Get(ctx context.Context, id string) (library.Book, error)
	Similar(ctx context.Context, book library.Book) []library.Book
}

// Reserver creates reservations.
type Reserver interface {
	Create(ctx context.Context, bookID, userID string) (library.Reservation, error)
}

// SessionSource is the part of the session store a view needs.
type SessionSource interface {
	Snapshot() session.Snapshot
	EnsureUser(ctx context.Context) (library.UserIdentity, error)
}

// Deps are the collaborators of a View.
type Deps struct {
	Catalog      BookSource
	Reservations Reserver
	Session      SessionSource

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Action is the reserve control offered for the current projection.
type Action int

const (
	ActionReserve Action = iota
	ActionReserving
	ActionOutOfStock
)

// Label is the text of the control.
func (a Action) Label() string {
	switch a {
	case ActionReserving:
		return "Reserving..."
	case ActionOutOfStock:
		return "Out of Stock"
	default:
		return "Reserve Book"
	}
}

func (a Action) String() string { return a.Label() }

// Result classifies a reservation attempt.
type Result int

const (
	// Reserved means the server confirmed and the projection dropped by one.
	Reserved Result = iota
	// LoginRequired means the session is anonymous. No request was sent.
	LoginRequired
	// NotOffered means no copy is left locally. No request was sent.
	NotOffered
	// InFlight means another operation on this view is still running.
	// No request was sent.
	InFlight
	// Conflict means the server refused because no copy was left, usually
	// after another client took it. The projection is unchanged.
	Conflict
	// Failed means the attempt failed; the projection is unchanged.
	Failed
	// Discarded means the view was closed before the response arrived.
	// Nothing was applied.
	Discarded
)

func (r Result) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case LoginRequired:
		return "login required"
	case NotOffered:
		return "not offered"
	case InFlight:
		return "in flight"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Outcome reports a reservation attempt. Message is user-facing; Err
// carries the underlying failure for Conflict and Failed outcomes.
type Outcome struct {
	Result      Result
	Reservation library.Reservation
	Message     string
	Redirect    string
	Err         error
}

// Projection is the view's local copy of the book. ReservedLocally
// counts reservations applied since LoadedAt; both reset on Refresh.
type Projection struct {
	Book            library.Book
	LoadedAt        time.Time
	ReservedLocally int
}

// View is one open book-detail page. Its methods are safe for concurrent
// use; at most one reservation or refresh runs at a time.
type View struct {
	deps   Deps
	logger *slog.Logger
	bookID string

	mu         sync.Mutex
	projection Projection
	similar    []library.Book
	reserving  bool
	refreshing bool
	closed     bool
}

// Open loads the authoritative book and, best-effort, similar books.
// A failure to load the book is returned as a classified error; a
// failure to load similar books only leaves that list empty.
func Open(ctx context.Context, deps Deps, bookID string) (*View, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	v := &View{
		deps:   deps,
		logger: deps.Logger.With("component", "availability", "book_id", bookID),
		bookID: bookID,
	}
	book, err := deps.Catalog.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	v.projection = Projection{Book: book, LoadedAt: deps.Now()}
	v.similar = deps.Catalog.Similar(ctx, book)
	return v, nil
}

// Book returns the projected book.
func (v *View) Book() library.Book {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.projection.Book
}

// Projection returns the projection with its staleness markers.
func (v *View) Projection() Projection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.projection
}

// Similar returns related books loaded with the view.
func (v *View) Similar() []library.Book {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]library.Book, len(v.similar))
	copy(out, v.similar)
	return out
}

// Action returns the control to offer. When no copy is left the
// reserve action is not offered at all.
func (v *View) Action() Action {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.reserving:
		return ActionReserving
	case !v.projection.Book.Reservable():
		return ActionOutOfStock
	default:
		return ActionReserve
	}
}

// Reserving reports whether a reservation is in flight.
func (v *View) Reserving() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reserving
}

// Reserve attempts to reserve one copy for the signed-in member.
//
// Preconditions are checked before any request: an anonymous session
// yields LoginRequired, a zero local count yields NotOffered, and a
// second attempt while one is running yields InFlight. On confirmation
// the projection drops by one; on failure it is left alone and the
// outcome carries the server's message or a generic one. If the view is
// closed while the request is out, the response is discarded.
func (v *View) Reserve(ctx context.Context) Outcome {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return Outcome{Result: Discarded}
	case v.reserving || v.refreshing:
		v.mu.Unlock()
		return Outcome{Result: InFlight}
	}
	snap := v.deps.Session.Snapshot()
	if !snap.Authenticated {
		v.mu.Unlock()
		return Outcome{Result: LoginRequired, Redirect: guard.PathLogin, Message: "Please log in to reserve books"}
	}
	if !v.projection.Book.Reservable() {
		v.mu.Unlock()
		return Outcome{Result: NotOffered, Message: "This book is out of stock"}
	}
	v.reserving = true
	v.mu.Unlock()

	outcome := v.reserve(ctx, snap)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.reserving = false
	if v.closed {
		v.logger.Debug("discarding reservation response for closed view", "result", outcome.Result)
		return Outcome{Result: Discarded, Reservation: outcome.Reservation, Err: outcome.Err}
	}
	if outcome.Result != Reserved {
		return outcome
	}
	// Refresh is excluded while reserving, so the count is the one the
	// precondition saw and is still positive.
	if v.projection.Book.AvailableCopies > 0 {
		v.projection.Book.AvailableCopies--
		v.projection.ReservedLocally++
	}
	return outcome
}

// reserve resolves the member and sends the request. It runs without
// the view lock.
func (v *View) reserve(ctx context.Context, snap session.Snapshot) Outcome {
	var userID string
	if snap.User != nil {
		userID = snap.User.ID
	} else {
		user, err := v.deps.Session.EnsureUser(ctx)
		if err != nil {
			return Outcome{Result: Failed, Message: library.UserMessage(err, reserveFailed), Err: err}
		}
		userID = user.ID
	}

	res, err := v.deps.Reservations.Create(ctx, v.bookID, userID)
	if library.IsConflict(err) {
		return Outcome{Result: Conflict, Message: library.UserMessage(err, reserveFailed), Err: err}
	}
	if err != nil {
		return Outcome{Result: Failed, Message: library.UserMessage(err, reserveFailed), Err: err}
	}
	return Outcome{Result: Reserved, Reservation: res, Message: "Book reserved successfully!"}
}

// Refresh reloads the authoritative book, replacing the projection and
// clearing its local adjustments.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return ErrClosed
	case v.reserving || v.refreshing:
		v.mu.Unlock()
		return ErrBusy
	}
	v.refreshing = true
	v.mu.Unlock()

	book, err := v.deps.Catalog.Get(ctx, v.bookID)
	var similar []library.Book
	if err == nil {
		similar = v.deps.Catalog.Similar(ctx, book)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshing = false
	if v.closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	v.projection = Projection{Book: book, LoadedAt: v.deps.Now()}
	v.similar = similar
	return nil
}

// Close tears the view down. Responses that arrive afterwards are
// ignored.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}
