package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"library-catalog/availability"
	"library-catalog/guard"
	"library-catalog/library"
)

const shellHelp = `Available commands:
  Browse:   home, books [search], category [name], categories, book <id>
  Book:     reserve, refresh (on an open book)
  Account:  login [username], signup, logout, whoami, profile
  Admin:    admin, admin books, admin reservations, return <id>, cancel <id>
  System:   where, help, exit`

// shell is one interactive session: a location kept reachable by the
// navigator and at most one open book view.
type shell struct {
	app      *App
	ctx      context.Context
	nav      *guard.Navigator
	view     *availability.View
	category string
}

// Shell runs the interactive loop until exit or end of input.
func (a *App) Shell(ctx context.Context) error {
	sh := &shell{app: a, ctx: ctx}
	a.loadIdentity(ctx)
	sh.nav = guard.NewNavigator(a.Guard, guard.PathHome)
	defer sh.nav.Close()
	defer sh.closeView()
	sh.nav.OnRedirect(sh.redirected)

	fmt.Fprintln(a.out, "Welcome to the Library Catalogue!")
	if user, ok := a.Session.User(); ok {
		fmt.Fprintf(a.out, "Signed in as %s.\n", user.DisplayName())
	}
	fmt.Fprintln(a.out, shellHelp)

	for {
		fmt.Fprintf(a.out, "\n%s> ", sh.nav.Location())
		if !a.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(a.scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		var err error
		switch cmd {
		case "home":
			err = sh.handleHome()
		case "books", "search":
			err = sh.handleBooks(arg)
		case "category":
			sh.category = arg
			err = sh.handleBooks("")
		case "categories":
			err = sh.handleCategories()
		case "book":
			err = sh.handleBook(arg)
		case "reserve":
			err = sh.handleReserve()
		case "refresh":
			err = sh.handleRefresh()
		case "login":
			err = sh.handleLogin(arg)
		case "signup":
			err = sh.handleSignup()
		case "logout":
			a.logout()
		case "whoami":
			err = a.whoami(ctx)
		case "profile":
			err = sh.handleProfile()
		case "admin":
			err = sh.handleAdmin(arg)
		case "return", "cancel":
			err = sh.handleTransition(cmd, arg)
		case "where":
			fmt.Fprintln(a.out, sh.nav.Location())
		case "help":
			fmt.Fprintln(a.out, shellHelp)
		case "exit", "quit":
			fmt.Fprintln(a.out, "Goodbye!")
			return nil
		default:
			fmt.Fprintln(a.out, "Unknown command. Type 'help' to list commands.")
		}
		sh.report(err)
	}
	return nil
}

// report prints errors that were not already shown to the user.
func (sh *shell) report(err error) {
	var exitErr *ExitError
	if err == nil || errors.As(err, &exitErr) {
		return
	}
	fmt.Fprintf(sh.app.errOut, "Error: %v\n", err)
}

// visit navigates to path. It returns false when the guard redirected
// elsewhere; the redirect hook has then already rendered the target.
func (sh *shell) visit(path string) bool {
	sh.app.loadIdentity(sh.ctx)
	decision := sh.nav.Navigate(path)
	if !decision.Allowed {
		return false
	}
	if !strings.HasPrefix(path, guard.PathBooks+"/") {
		sh.closeView()
	}
	return true
}

// redirected runs when the navigator is forced off a view, either on a
// denied navigation or because the session changed underneath it.
func (sh *shell) redirected(r guard.Redirect) {
	sh.closeView()
	a := sh.app
	switch r.To {
	case guard.PathLogin:
		fmt.Fprintf(a.out, "%s requires you to log in. Use 'login' to sign in.\n", r.Requested)
	case guard.PathHome:
		if r.Decision.Reason == guard.ReasonForbidden {
			fmt.Fprintf(a.out, "You do not have access to %s.\n", r.Requested)
		} else {
			fmt.Fprintf(a.out, "Unknown page %s.\n", r.Requested)
		}
		sh.report(a.renderHome(sh.ctx))
	}
}

func (sh *shell) closeView() {
	if sh.view != nil {
		sh.view.Close()
		sh.view = nil
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (sh *shell) handleHome() error {
	if !sh.visit(guard.PathHome) {
		return nil
	}
	return sh.app.renderHome(sh.ctx)
}

func (sh *shell) handleBooks(query string) error {
	if !sh.visit(guard.PathBooks) {
		return nil
	}
	return sh.app.renderBooks(sh.ctx, library.Filter{Query: query, Category: sh.category})
}

func (sh *shell) handleCategories() error {
	if !sh.visit(guard.PathBooks) {
		return nil
	}
	return sh.app.renderCategories(sh.ctx)
}

func (sh *shell) handleBook(id string) error {
	if id == "" {
		fmt.Fprintln(sh.app.out, "Usage: book <id>")
		return nil
	}
	if !sh.visit(guard.BookPath(id)) {
		return nil
	}
	sh.closeView()
	view, err := sh.app.openBook(sh.ctx, id)
	if err != nil {
		sh.nav.Navigate(guard.PathBooks)
		return err
	}
	sh.view = view
	sh.app.renderBook(view)
	return nil
}

func (sh *shell) handleReserve() error {
	if sh.view == nil {
		fmt.Fprintln(sh.app.out, "Open a book first with 'book <id>'.")
		return nil
	}
	outcome, err := sh.app.reserve(sh.ctx, sh.view)
	if outcome.Result == availability.LoginRequired {
		sh.closeView()
		sh.nav.Navigate(outcome.Redirect)
	}
	return err
}

func (sh *shell) handleRefresh() error {
	if sh.view == nil {
		fmt.Fprintln(sh.app.out, "Open a book first with 'book <id>'.")
		return nil
	}
	if err := sh.view.Refresh(sh.ctx); err != nil {
		if errors.Is(err, availability.ErrBusy) {
			fmt.Fprintln(sh.app.out, "Still working on the previous request.")
			return nil
		}
		return sh.app.fail(err, "Failed to load book details")
	}
	sh.app.renderBook(sh.view)
	return nil
}

func (sh *shell) handleLogin(username string) error {
	if !sh.visit(guard.PathLogin) {
		return nil
	}
	if err := sh.app.login(sh.ctx, username); err != nil {
		return err
	}
	return sh.handleHome()
}

func (sh *shell) handleSignup() error {
	if !sh.visit(guard.PathSignup) {
		return nil
	}
	if err := sh.app.signup(sh.ctx); err != nil {
		return err
	}
	sh.visit(guard.PathLogin)
	return nil
}

func (sh *shell) handleProfile() error {
	if !sh.visit(guard.PathProfile) {
		return nil
	}
	return sh.app.renderProfile(sh.ctx)
}

func (sh *shell) handleAdmin(tab string) error {
	if !sh.visit(guard.PathAdmin) {
		return nil
	}
	switch tab {
	case "":
		return sh.app.renderAdmin(sh.ctx)
	case "books":
		return sh.app.renderAdminBooks(sh.ctx)
	case "reservations":
		return sh.app.renderAdminReservations(sh.ctx)
	default:
		fmt.Fprintln(sh.app.out, "Usage: admin [books|reservations]")
		return nil
	}
}

func (sh *shell) handleTransition(action, id string) error {
	if id == "" {
		fmt.Fprintf(sh.app.out, "Usage: %s <reservation-id>\n", action)
		return nil
	}
	if !sh.visit(guard.PathAdmin) {
		return nil
	}
	if action == "return" {
		return sh.app.returnReservation(sh.ctx, id)
	}
	return sh.app.cancelReservation(sh.ctx, id)
}
