package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"library-catalog/api"
	"library-catalog/availability"
	"library-catalog/catalog"
	"library-catalog/config"
	"library-catalog/guard"
	"library-catalog/library"
	"library-catalog/reservation"
	"library-catalog/session"
	"library-catalog/storage"
)

// Options configures an App.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	In  io.Reader
	Out io.Writer
	Err io.Writer

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	// Now defaults to time.Now.
	Now func() time.Time
}

// App wires the client components together for one process.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Storage      *storage.Database
	API          *api.Client
	Session      *session.Store
	Guard        *guard.Guard
	Catalog      *catalog.Client
	Reservations *reservation.Client

	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	scanner *bufio.Scanner
	styles  styles
	now     func() time.Time
}

// NewApp opens durable storage, builds the API client and session store,
// and restores any saved session.
func NewApp(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := storage.Open(cfg.Storage.Path, cfg.Storage.KeyFile())
	if err != nil {
		return nil, fmt.Errorf("opening session storage: %w", err)
	}

	client, err := api.New(api.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.API.Timeout,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := session.New(session.Config{API: client, Tokens: db, Logger: logger})
	store.Restore()

	return &App{
		Config:       cfg,
		Logger:       logger,
		Storage:      db,
		API:          client,
		Session:      store,
		Guard:        guard.New(store),
		Catalog:      catalog.New(client, logger),
		Reservations: reservation.New(client, logger),
		in:           opts.In,
		out:          opts.Out,
		errOut:       opts.Err,
		scanner:      bufio.NewScanner(opts.In),
		styles:       newStyles(opts.Out),
		now:          opts.Now,
	}, nil
}

// Close releases durable storage.
func (a *App) Close() error {
	return a.Storage.Close()
}

// OpenView opens a live book-detail view.
func (a *App) OpenView(ctx context.Context, bookID string) (*availability.View, error) {
	return availability.Open(ctx, availability.Deps{
		Catalog:      a.Catalog,
		Reservations: a.Reservations,
		Session:      a.Session,
		Logger:       a.Logger,
		Now:          a.now,
	}, bookID)
}

// ---------------------------------------------------------------------------
// Guarded entry
// ---------------------------------------------------------------------------

// enter checks path against the guard before anything is fetched. When
// access is denied it follows the redirect: the login entry point is
// reported as an error, home is rendered in place of the page. It
// returns false if the caller must not render path.
func (a *App) enter(ctx context.Context, path string) (bool, error) {
	a.loadIdentity(ctx)

	decision := a.Guard.Check(path)
	if decision.Allowed {
		return true, nil
	}
	switch decision.Redirect {
	case guard.PathLogin:
		fmt.Fprintln(a.errOut, "Please log in to continue: run 'library login'.")
		return false, &ExitError{Code: 1}
	default:
		if decision.Reason == guard.ReasonForbidden {
			fmt.Fprintln(a.errOut, "You do not have access to that page.")
		}
		return false, a.renderHome(ctx)
	}
}

// loadIdentity fetches the identity of a restored session so role checks
// see it. A failure is logged and the guard then fails closed.
func (a *App) loadIdentity(ctx context.Context) {
	snap := a.Session.Snapshot()
	if !snap.Authenticated || snap.User != nil {
		return
	}
	if _, err := a.Session.EnsureUser(ctx); err != nil {
		a.Logger.Debug("identity unavailable", "error", err)
	}
}

// fail reports err to the user and returns an ExitError.
func (a *App) fail(err error, fallback string) error {
	fmt.Fprintf(a.errOut, "Error: %s\n", library.UserMessage(err, fallback))
	return &ExitError{Code: 1}
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

func (a *App) readLine(prompt string) (string, bool) {
	fmt.Fprint(a.out, prompt)
	if !a.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(a.scanner.Text()), true
}

// readPassword reads a password with masking when input is a terminal.
func (a *App) readPassword(prompt string) (string, error) {
	f, ok := a.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		line, ok := a.readLine(prompt)
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
	fmt.Fprint(a.out, prompt)
	bytePassword, err := term.ReadPassword(int(f.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(a.out) // newline after masked input
	return strings.TrimSpace(string(bytePassword)), nil
}
