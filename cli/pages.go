package cli

import (
	"context"
	"fmt"
	"strings"

	"library-catalog/availability"
	"library-catalog/catalog"
	"library-catalog/library"
	"library-catalog/reservation"
	"library-catalog/session"
)

// ---------------------------------------------------------------------------
// Public pages
// ---------------------------------------------------------------------------

func (a *App) renderHome(ctx context.Context) error {
	fmt.Fprintln(a.out, a.styles.heading.Render("Welcome to Library Management System"))
	fmt.Fprintln(a.out, "Discover, reserve, and manage your favorite books")
	if user, ok := a.Session.User(); ok {
		fmt.Fprintf(a.out, "Signed in as %s\n", user.DisplayName())
	}
	fmt.Fprintln(a.out)

	featured, err := a.Catalog.Featured(ctx, catalog.FeaturedCount)
	if err != nil {
		a.Logger.Warn("loading featured books", "error", err)
		fmt.Fprintln(a.out, a.styles.muted.Render("Featured books are unavailable right now."))
		return nil
	}
	fmt.Fprintln(a.out, a.styles.heading.Render("Featured Books"))
	printBooks(a.out, a.styles, featured)
	return nil
}

func (a *App) renderBooks(ctx context.Context, filter library.Filter) error {
	books, err := a.Catalog.Browse(ctx, filter)
	if err != nil {
		return a.fail(err, "Failed to load books")
	}
	fmt.Fprintln(a.out, a.styles.heading.Render("Browse Books"))
	if !filter.IsZero() {
		var parts []string
		if q := strings.TrimSpace(filter.Query); q != "" {
			parts = append(parts, fmt.Sprintf("search %q", q))
		}
		if filter.Category != "" {
			parts = append(parts, fmt.Sprintf("category %q", filter.Category))
		}
		fmt.Fprintln(a.out, a.styles.muted.Render("Filtered by "+strings.Join(parts, " and ")))
	}
	printBooks(a.out, a.styles, books)
	return nil
}

func (a *App) renderCategories(ctx context.Context) error {
	categories, err := a.Catalog.Categories(ctx)
	if err != nil {
		return a.fail(err, "Failed to load categories")
	}
	if len(categories) == 0 {
		fmt.Fprintln(a.out, "No categories.")
		return nil
	}
	for _, c := range categories {
		fmt.Fprintln(a.out, c)
	}
	return nil
}

// openBook opens a detail view, reporting a load failure to the user.
func (a *App) openBook(ctx context.Context, id string) (*availability.View, error) {
	view, err := a.OpenView(ctx, id)
	if err != nil {
		return nil, a.fail(err, "Failed to load book details")
	}
	return view, nil
}

func (a *App) renderBook(view *availability.View) {
	printBookDetail(a.out, a.styles, view.Book(), view.Similar(), view.Action())
}

// reserve runs one reservation attempt on view and reports the outcome.
func (a *App) reserve(ctx context.Context, view *availability.View) (availability.Outcome, error) {
	outcome := view.Reserve(ctx)
	switch outcome.Result {
	case availability.Reserved:
		fmt.Fprintln(a.out, a.styles.success.Render(outcome.Message))
		if due := outcome.Reservation.ExpectedReturnDate; !due.IsZero() {
			fmt.Fprintf(a.out, "Due back on %s.\n", formatDate(due))
		}
		fmt.Fprintf(a.out, "Availability: %s\n", a.styles.availability(view.Book()))
		return outcome, nil
	case availability.LoginRequired:
		fmt.Fprintf(a.errOut, "%s: run 'library login'.\n", outcome.Message)
	case availability.NotOffered:
		fmt.Fprintln(a.errOut, outcome.Message)
	case availability.InFlight:
		fmt.Fprintln(a.errOut, "A reservation for this book is already in progress.")
		return outcome, nil
	case availability.Conflict:
		fmt.Fprintf(a.errOut, "Error: %s\n", outcome.Message)
		fmt.Fprintln(a.errOut, "Another reader may have taken the last copy; refresh to see current availability.")
	case availability.Failed:
		fmt.Fprintf(a.errOut, "Error: %s\n", outcome.Message)
	case availability.Discarded:
		return outcome, nil
	}
	return outcome, &ExitError{Code: 1}
}

// ---------------------------------------------------------------------------
// Member pages
// ---------------------------------------------------------------------------

func (a *App) renderProfile(ctx context.Context) error {
	user, err := a.Session.EnsureUser(ctx)
	if err != nil {
		return a.fail(err, "Failed to load profile")
	}
	list, err := a.Reservations.ListByUser(ctx, user.ID)
	if err != nil {
		return a.fail(err, "Failed to load reservations")
	}
	printProfile(a.out, a.styles, user, reservation.Summarize(list, a.now()))
	fmt.Fprintln(a.out, a.styles.heading.Render("My Reservations"))
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No reservations found.")
		fmt.Fprintln(a.out, a.styles.muted.Render("Start by browsing and reserving some books!"))
		return nil
	}
	printReservations(a.out, a.styles, list, a.now(), false)
	return nil
}

func (a *App) login(ctx context.Context, username string) error {
	if username == "" {
		var ok bool
		if username, ok = a.readLine("Username: "); !ok {
			return &ExitError{Code: 1}
		}
	}
	password, err := a.readPassword("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if err := a.Session.Login(ctx, library.Credentials{Username: username, Password: password}); err != nil {
		fmt.Fprintf(a.errOut, "Login failed: %s\n", library.UserMessage(err, "Login failed"))
		return &ExitError{Code: 1}
	}
	user, _ := a.Session.User()
	name := user.DisplayName()
	if name == "" {
		name = username
	}
	fmt.Fprintf(a.out, "Logged in as %s.\n", name)
	return nil
}

func (a *App) signup(ctx context.Context) error {
	var profile library.Profile
	fields := []struct {
		prompt string
		dest   *string
	}{
		{"Username: ", &profile.Username},
		{"First name: ", &profile.FirstName},
		{"Last name: ", &profile.LastName},
		{"Email: ", &profile.Email},
	}
	for _, f := range fields {
		value, ok := a.readLine(f.prompt)
		if !ok {
			return &ExitError{Code: 1}
		}
		*f.dest = value
	}

	password, err := a.readPassword("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	confirm, err := a.readPassword("Confirm password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if strings.TrimSpace(password) == "" {
		fmt.Fprintln(a.errOut, "Error: Password cannot be empty")
		return &ExitError{Code: 1}
	}
	if password != confirm {
		fmt.Fprintln(a.errOut, "Error: Passwords do not match")
		return &ExitError{Code: 1}
	}
	profile.Password = password

	identity, err := a.Session.Signup(ctx, profile)
	if err != nil {
		fmt.Fprintf(a.errOut, "Signup failed: %s\n", library.UserMessage(err, "Signup failed"))
		return &ExitError{Code: 1}
	}
	fmt.Fprintf(a.out, "Account created for %s. Please log in.\n", identity.Username)
	return nil
}

func (a *App) logout() {
	a.Session.Logout()
	fmt.Fprintln(a.out, "Logged out.")
}

func (a *App) whoami(ctx context.Context) error {
	snap := a.Session.Snapshot()
	if snap.State != session.StateAuthenticated {
		fmt.Fprintln(a.out, "Not logged in.")
		return nil
	}
	user, err := a.Session.EnsureUser(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "Logged in (profile unavailable: %s)\n", library.UserMessage(err, "Failed to load profile"))
	} else {
		fmt.Fprintf(a.out, "%s (%s), role %s\n", user.DisplayName(), user.Username, strings.ToLower(user.Role.String()))
	}

	info, err := session.InspectToken(a.Session.Token())
	if err != nil {
		a.Logger.Debug("token is not a readable JWT", "error", err)
		return nil
	}
	if savedAt, err := a.Storage.TokenSavedAt(); err != nil {
		a.Logger.Debug("reading token timestamp", "error", err)
	} else if !savedAt.IsZero() {
		fmt.Fprintf(a.out, "Logged in since %s\n", savedAt.Local().Format("2006-01-02 15:04"))
	}
	if !info.ExpiresAt.IsZero() {
		line := fmt.Sprintf("Token expires %s", info.ExpiresAt.Local().Format("2006-01-02 15:04"))
		if info.Expired(a.now()) {
			line = a.styles.warning.Render(line + " (expired; log in again)")
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Admin pages
// ---------------------------------------------------------------------------

func (a *App) renderAdmin(ctx context.Context) error {
	books, err := a.Catalog.List(ctx)
	if err != nil {
		return a.fail(err, "Failed to load books")
	}
	all, err := a.Reservations.List(ctx)
	if err != nil {
		return a.fail(err, "Failed to load reservations")
	}
	summary := reservation.Summarize(all, a.now())
	users := make(map[string]struct{})
	for _, r := range all {
		users[r.UserID] = struct{}{}
	}

	fmt.Fprintln(a.out, a.styles.heading.Render("Admin Dashboard"))
	fmt.Fprintf(a.out, "Total Books:         %d\n", len(books))
	fmt.Fprintf(a.out, "Active Reservations: %d\n", summary.Active)
	fmt.Fprintf(a.out, "Overdue Books:       %d\n", summary.Overdue)
	fmt.Fprintf(a.out, "Total Users:         %d\n", len(users))
	return nil
}

func (a *App) renderAdminBooks(ctx context.Context) error {
	books, err := a.Catalog.List(ctx)
	if err != nil {
		return a.fail(err, "Failed to load books")
	}
	fmt.Fprintln(a.out, a.styles.heading.Render("All Books"))
	printBooks(a.out, a.styles, books)
	return nil
}

func (a *App) renderAdminReservations(ctx context.Context) error {
	all, err := a.Reservations.List(ctx)
	if err != nil {
		return a.fail(err, "Failed to load reservations")
	}
	fmt.Fprintln(a.out, a.styles.heading.Render("Recent Reservations"))
	printReservations(a.out, a.styles, all, a.now(), true)
	return nil
}

func (a *App) addBook(ctx context.Context, payload library.NewBook) error {
	if err := payload.Validate(); err != nil {
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return &ExitError{Code: 1}
	}
	book, err := a.Catalog.Create(ctx, payload)
	if err != nil {
		return a.fail(err, "Failed to add book")
	}
	fmt.Fprintf(a.out, "Added book ID %s: %s by %s (%d copies)\n", book.ID, book.Title, book.Author, book.TotalCopies)
	return nil
}

// updateBook loads the book, applies edit to its current fields and saves
// the result. Available copies follow a change in total copies unless
// edit sets them.
func (a *App) updateBook(ctx context.Context, id string, edit func(*library.NewBook)) error {
	book, err := a.Catalog.Get(ctx, id)
	if err != nil {
		return a.fail(err, "Failed to load book details")
	}
	available := book.AvailableCopies
	payload := library.NewBook{
		Title:           book.Title,
		Author:          book.Author,
		Categories:      book.Categories,
		TotalCopies:     book.TotalCopies,
		AvailableCopies: &available,
		Description:     book.Description,
		ISBN:            book.ISBN,
		PublicationYear: book.PublicationYear,
		CoverImageURL:   book.CoverImageURL,
	}
	edit(&payload)
	if payload.AvailableCopies == &available {
		available = min(max(available+payload.TotalCopies-book.TotalCopies, 0), payload.TotalCopies)
	}
	if err := payload.Validate(); err != nil {
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return &ExitError{Code: 1}
	}

	updated, err := a.Catalog.Update(ctx, id, payload)
	if err != nil {
		return a.fail(err, "Failed to update book")
	}
	fmt.Fprintf(a.out, "Updated book ID %s: %s by %s (%s)\n", updated.ID, updated.Title, updated.Author, a.styles.availability(updated))
	return nil
}

func (a *App) deleteBook(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		answer, ok := a.readLine("Are you sure you want to delete this book? [y/N] ")
		if !ok || !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Fprintln(a.out, "Cancelled.")
			return nil
		}
	}
	if err := a.Catalog.Delete(ctx, id); err != nil {
		return a.fail(err, "Failed to delete book")
	}
	fmt.Fprintf(a.out, "Deleted book %s\n", id)
	return nil
}

func (a *App) returnReservation(ctx context.Context, id string) error {
	if err := a.Reservations.Return(ctx, id); err != nil {
		return a.fail(err, "Failed to return book")
	}
	fmt.Fprintln(a.out, "Book returned successfully")
	return nil
}

func (a *App) cancelReservation(ctx context.Context, id string) error {
	if err := a.Reservations.Cancel(ctx, id); err != nil {
		return a.fail(err, "Failed to cancel reservation")
	}
	fmt.Fprintln(a.out, "Reservation cancelled successfully")
	return nil
}

// splitCategories parses a comma-separated list, dropping blanks.
func splitCategories(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
