package cli

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"library-catalog/apitest"
	"library-catalog/config"
	"library-catalog/library"
)

type harness struct {
	server *apitest.Server
	dbPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	for _, name := range []string{config.EnvConfig, config.EnvAPIURL, config.EnvBackendURL, config.EnvDB, config.EnvLogLevel} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	server := apitest.New(t)
	server.AddUser("amy", "pw", library.RoleMember)
	server.AddUser("root", "secret", library.RoleAdmin)
	server.AddBook(library.Book{ID: "b1", Title: "Dune", Author: "Frank Herbert", Categories: []string{"Science Fiction"}, TotalCopies: 3, AvailableCopies: 1})
	server.AddBook(library.Book{ID: "b2", Title: "Emma", Author: "Jane Austen", Categories: []string{"Classic", "Romance"}, TotalCopies: 2, AvailableCopies: 2})
	server.AddBook(library.Book{ID: "b3", Title: "Persuasion", Author: "Jane Austen", Categories: []string{"Classic"}, TotalCopies: 1, AvailableCopies: 1})
	return &harness{server: server, dbPath: filepath.Join(t.TempDir(), "library.db")}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func (h *harness) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--api-url", h.server.URL, "--db", h.dbPath}, args...)
	code := Run(context.Background(), full, Streams{
		In:  strings.NewReader(stdin),
		Out: &stdout,
		Err: &stderr,
	})
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (h *harness) login(t *testing.T, username, password string) {
	t.Helper()
	if res := h.run(t, password+"\n", "login", username); res.code != 0 {
		t.Fatalf("login %s: code %d, stderr %q", username, res.code, res.stderr)
	}
}

func TestLoginPersistsAcrossInvocations(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "pw\n", "login", "amy")
	if res.code != 0 || !strings.Contains(res.stdout, "Logged in as Amy Reader") {
		t.Fatalf("login = %+v", res)
	}

	res = h.run(t, "", "whoami")
	if res.code != 0 || !strings.Contains(res.stdout, "(amy), role member") {
		t.Fatalf("whoami = %+v", res)
	}
	if !strings.Contains(res.stdout, "Token expires") {
		t.Errorf("whoami did not show token expiry: %q", res.stdout)
	}
	if !strings.Contains(res.stdout, "Logged in since ") {
		t.Errorf("whoami did not show when the token was saved: %q", res.stdout)
	}

	res = h.run(t, "", "logout")
	if res.code != 0 {
		t.Fatalf("logout = %+v", res)
	}
	if res = h.run(t, "", "whoami"); !strings.Contains(res.stdout, "Not logged in.") {
		t.Fatalf("whoami after logout = %q", res.stdout)
	}
}

func TestLoginFailureShowsServerMessage(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "wrong\n", "login", "amy")
	if res.code != 1 {
		t.Fatalf("code = %d, want 1", res.code)
	}
	if !strings.Contains(res.stderr, "Login failed: Invalid credentials") {
		t.Fatalf("stderr = %q", res.stderr)
	}
}

func TestSignupDoesNotLogIn(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "zoe\nZoe\nKim\nzoe@example.org\nhunter2\nhunter2\n", "signup")
	if res.code != 0 || !strings.Contains(res.stdout, "Account created for zoe. Please log in.") {
		t.Fatalf("signup = %+v", res)
	}
	if res = h.run(t, "", "whoami"); !strings.Contains(res.stdout, "Not logged in.") {
		t.Fatalf("signup authenticated the session: %q", res.stdout)
	}

	res = h.run(t, "amy\nA\nB\nnew@example.org\npw\npw\n", "signup")
	if res.code != 1 || !strings.Contains(res.stderr, "Username already exists") {
		t.Fatalf("duplicate signup = %+v", res)
	}
}

func TestProfileRequiresLogin(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "", "profile")
	if res.code != 1 || !strings.Contains(res.stderr, "Please log in") {
		t.Fatalf("profile = %+v", res)
	}
	if calls := h.server.Calls(http.MethodGet, "/api/reservations/user/{userId}"); calls != 0 {
		t.Fatalf("profile fetched reservations without a session (%d calls)", calls)
	}
}

func TestMemberIsSentHomeFromAdmin(t *testing.T) {
	h := newHarness(t)
	h.login(t, "amy", "pw")

	res := h.run(t, "", "admin")
	if res.code != 0 {
		t.Fatalf("admin = %+v", res)
	}
	if !strings.Contains(res.stdout, "Featured Books") || !strings.Contains(res.stderr, "You do not have access") {
		t.Fatalf("member was not redirected home: %+v", res)
	}
	if calls := h.server.Calls(http.MethodGet, "/api/reservations"); calls != 0 {
		t.Fatalf("admin data fetched for a member (%d calls)", calls)
	}
}

func TestBrowseWithFilters(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "", "books", "--search", "austen", "--category", "Romance")
	if res.code != 0 {
		t.Fatalf("books = %+v", res)
	}
	if !strings.Contains(res.stdout, "Emma") || strings.Contains(res.stdout, "Persuasion") {
		t.Fatalf("filter not applied:\n%s", res.stdout)
	}

	res = h.run(t, "", "books", "categories")
	if res.stdout != "Classic\nRomance\nScience Fiction\n" {
		t.Fatalf("categories = %q", res.stdout)
	}
}

func TestBookDetailShowsAvailability(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "", "book", "b2")
	if res.code != 0 || !strings.Contains(res.stdout, "2 of 2 available") || !strings.Contains(res.stdout, "[Reserve Book]") {
		t.Fatalf("book = %+v", res)
	}
	if !strings.Contains(res.stdout, "Similar Books") || !strings.Contains(res.stdout, "Persuasion") {
		t.Fatalf("similar books missing:\n%s", res.stdout)
	}

	res = h.run(t, "", "book", "missing")
	if res.code != 1 || !strings.Contains(res.stderr, "Book not found") {
		t.Fatalf("missing book = %+v", res)
	}
}

func TestReserveLastCopy(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "", "reserve", "b1")
	if res.code != 1 || !strings.Contains(res.stderr, "Please log in to reserve books") {
		t.Fatalf("anonymous reserve = %+v", res)
	}
	if calls := h.server.Calls(http.MethodPost, "/api/reservations"); calls != 0 {
		t.Fatalf("anonymous reserve sent %d requests", calls)
	}

	h.login(t, "amy", "pw")
	res = h.run(t, "", "reserve", "b1")
	if res.code != 0 || !strings.Contains(res.stdout, "Book reserved successfully!") || !strings.Contains(res.stdout, "Out of Stock") {
		t.Fatalf("reserve = %+v", res)
	}
	if b, _ := h.server.Book("b1"); b.AvailableCopies != 0 {
		t.Fatalf("server count = %d, want 0", b.AvailableCopies)
	}

	res = h.run(t, "", "reserve", "b1")
	if res.code != 1 || !strings.Contains(res.stderr, "This book is out of stock") {
		t.Fatalf("reserve with no copies = %+v", res)
	}
	if calls := h.server.Calls(http.MethodPost, "/api/reservations"); calls != 1 {
		t.Fatalf("reservation calls = %d, want 1", calls)
	}

	res = h.run(t, "", "profile")
	if res.code != 0 || !strings.Contains(res.stdout, "Active Reservations: 1") || !strings.Contains(res.stdout, "Dune") {
		t.Fatalf("profile = %+v", res)
	}
}

func TestAdminWorkflow(t *testing.T) {
	h := newHarness(t)
	h.login(t, "amy", "pw")
	if res := h.run(t, "", "reserve", "b2"); res.code != 0 {
		t.Fatalf("reserve = %+v", res)
	}
	h.login(t, "root", "secret")

	res := h.run(t, "", "admin")
	if res.code != 0 || !strings.Contains(res.stdout, "Active Reservations: 1") || !regexp.MustCompile(`Total Users:\s+1\n`).MatchString(res.stdout) {
		t.Fatalf("admin = %+v", res)
	}

	res = h.run(t, "", "admin", "add-book", "--title", "Middlemarch", "--author", "George Eliot", "--categories", "Classic, Drama", "--copies", "2")
	if res.code != 0 || !strings.Contains(res.stdout, "Added book ID") {
		t.Fatalf("add-book = %+v", res)
	}

	reservations := h.server.Reservations()
	if len(reservations) != 1 {
		t.Fatalf("reservations = %+v", reservations)
	}
	res = h.run(t, "", "admin", "return", reservations[0].ID)
	if res.code != 0 || !strings.Contains(res.stdout, "Book returned successfully") {
		t.Fatalf("return = %+v", res)
	}
	res = h.run(t, "", "admin", "cancel", reservations[0].ID)
	if res.code != 1 || !strings.Contains(res.stderr, "Failed to cancel reservation") {
		t.Fatalf("cancel of returned reservation = %+v", res)
	}

	res = h.run(t, "n\n", "admin", "delete-book", "b3")
	if !strings.Contains(res.stdout, "Cancelled.") {
		t.Fatalf("delete without confirmation = %+v", res)
	}
	res = h.run(t, "", "admin", "delete-book", "--yes", "b3")
	if res.code != 0 {
		t.Fatalf("delete-book = %+v", res)
	}
	if _, ok := h.server.Book("b3"); ok {
		t.Fatal("b3 still exists")
	}
}

func TestAdminUpdateBookChangesOnlyGivenFields(t *testing.T) {
	h := newHarness(t)
	h.login(t, "root", "secret")

	res := h.run(t, "", "admin", "update-book", "b2", "--title", "Emma: A Novel", "--copies", "4")
	if res.code != 0 || !strings.Contains(res.stdout, "Updated book ID b2: Emma: A Novel by Jane Austen (4 of 4 available)") {
		t.Fatalf("update-book = %+v", res)
	}
	book, _ := h.server.Book("b2")
	if book.Author != "Jane Austen" || len(book.Categories) != 2 {
		t.Fatalf("untouched fields changed: %+v", book)
	}

	res = h.run(t, "", "admin", "update-book", "b2", "--available", "9")
	if res.code != 1 || !strings.Contains(res.stderr, "available copies must be between 0 and total copies") {
		t.Fatalf("invalid update = %+v", res)
	}
	if calls := h.server.Calls(http.MethodPut, "/api/books/{id}"); calls != 1 {
		t.Fatalf("update calls = %d, want 1", calls)
	}

	h.login(t, "amy", "pw")
	if res = h.run(t, "", "admin", "update-book", "b2", "--title", "x"); h.server.Calls(http.MethodPut, "/api/books/{id}") != 1 {
		t.Fatalf("member update reached the server: %+v", res)
	}
}

func TestShellReservesAgainstLocalProjection(t *testing.T) {
	h := newHarness(t)
	h.server.SetAvailable("b1", 2)
	h.login(t, "amy", "pw")

	res := h.run(t, "book b1\nreserve\nreserve\nreserve\nexit\n", "shell")
	if res.code != 0 {
		t.Fatalf("shell = %+v", res)
	}
	if got := strings.Count(res.stdout, "Book reserved successfully!"); got != 2 {
		t.Fatalf("successful reservations = %d, want 2\n%s", got, res.stdout)
	}
	if !strings.Contains(res.stdout, "1 of 3 available") || !strings.Contains(res.stdout, "Out of Stock") {
		t.Fatalf("projection not shown:\n%s", res.stdout)
	}
	if !strings.Contains(res.stderr, "This book is out of stock") {
		t.Fatalf("third attempt not refused locally: %q", res.stderr)
	}
	if calls := h.server.Calls(http.MethodPost, "/api/reservations"); calls != 2 {
		t.Fatalf("reservation calls = %d, want 2", calls)
	}
	if calls := h.server.Calls(http.MethodGet, "/api/books/{id}"); calls != 1 {
		t.Fatalf("book fetched %d times, want 1", calls)
	}
}

func TestShellFollowsSessionChanges(t *testing.T) {
	h := newHarness(t)
	h.login(t, "amy", "pw")

	res := h.run(t, "profile\nlogout\nwhere\nadmin\nwhere\nexit\n", "shell")
	if res.code != 0 {
		t.Fatalf("shell = %+v", res)
	}
	if !strings.Contains(res.stdout, "My Profile") {
		t.Fatalf("profile not shown:\n%s", res.stdout)
	}
	if !strings.Contains(res.stdout, "/profile requires you to log in") {
		t.Fatalf("logout did not move off /profile:\n%s", res.stdout)
	}
	if !strings.Contains(res.stdout, "/admin requires you to log in") {
		t.Fatalf("anonymous admin not sent to login:\n%s", res.stdout)
	}
	if !strings.Contains(res.stdout, "/login> /login\n") {
		t.Fatalf("location after logout not /login:\n%s", res.stdout)
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Dune", 10, "Dune"},
		{"The Left Hand of Darkness", 10, "The Lef..."},
		{"Éducation sentimentale", 8, "Éduca..."},
		{"Dune Messiah", 3, "Dun"},
	}
	for _, tt := range tests {
		if got := TruncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestReserveReportsLostRace(t *testing.T) {
	h := newHarness(t)
	h.login(t, "amy", "pw")

	cfg := config.Default()
	cfg.API.BaseURL = h.server.URL
	cfg.Storage.Path = h.dbPath
	var stdout, stderr bytes.Buffer
	app, err := NewApp(Options{Config: cfg, In: strings.NewReader(""), Out: &stdout, Err: &stderr})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { app.Close() })

	ctx := context.Background()
	view, err := app.openBook(ctx, "b1")
	if err != nil {
		t.Fatalf("open book: %v", err)
	}
	defer view.Close()

	h.server.SetAvailable("b1", 0)
	outcome, err := app.reserve(ctx, view)
	if err == nil || outcome.Result.String() != "conflict" {
		t.Fatalf("outcome = %+v, err = %v", outcome, err)
	}
	if !strings.Contains(stderr.String(), "Error: Book is not available for reservation") || !strings.Contains(stderr.String(), "refresh") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if view.Book().AvailableCopies != 1 {
		t.Fatalf("local count = %d, want 1", view.Book().AvailableCopies)
	}
}
