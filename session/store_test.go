package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"library-catalog/api"
	"library-catalog/apitest"
	"library-catalog/library"
	"library-catalog/storage"
)

type fixture struct {
	server *apitest.Server
	client *api.Client
	db     *storage.Database
	store  *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := apitest.New(t)
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "library.db"), filepath.Join(dir, "token.key"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	client := server.Client(t)
	return &fixture{
		server: server,
		client: client,
		db:     db,
		store:  New(Config{API: client, Tokens: db}),
	}
}

// checkInvariant asserts authenticated iff a token is held, on both the
// store and the outgoing credential.
func checkInvariant(t *testing.T, f *fixture) {
	t.Helper()
	snap := f.store.Snapshot()
	hasToken := f.store.Token() != ""
	if snap.Authenticated != hasToken {
		t.Fatalf("authenticated = %v but token present = %v", snap.Authenticated, hasToken)
	}
	if (f.client.BearerToken() != "") != hasToken {
		t.Fatalf("bearer attached = %q but token present = %v", f.client.BearerToken(), hasToken)
	}
}

func TestLoginPersistsTokenAndIdentity(t *testing.T) {
	f := newFixture(t)
	alice := f.server.AddUser("alice", "secret", library.RoleMember)

	if err := f.store.Login(context.Background(), library.Credentials{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	checkInvariant(t, f)
	if f.store.State() != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", f.store.State())
	}
	user, ok := f.store.User()
	if !ok || user.ID != alice.ID {
		t.Fatalf("user = %+v, %v; want %s", user, ok, alice.ID)
	}
	stored, err := f.db.LoadToken()
	if err != nil || stored != f.store.Token() {
		t.Fatalf("durable token = %q, %v; want the session token", stored, err)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("alice", "secret", library.RoleMember)

	err := f.store.Login(context.Background(), library.Credentials{Username: "bad", Password: "bad"})
	if !library.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if got := library.UserMessage(err, ""); got != "Invalid credentials" {
		t.Fatalf("message = %q, want server message", got)
	}
	checkInvariant(t, f)
	if f.store.Authenticated() {
		t.Fatal("session authenticated after failed login")
	}
	if stored, _ := f.db.LoadToken(); stored != "" {
		t.Fatalf("durable token = %q after failed login", stored)
	}
}

func TestLoginFailureWithoutMessageUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(http.MethodPost, "/api/auth/login", http.StatusUnauthorized, "")

	err := f.store.Login(context.Background(), library.Credentials{Username: "bad", Password: "bad"})
	if got := library.UserMessage(err, ""); got != "Login failed" {
		t.Fatalf("message = %q, want %q", got, "Login failed")
	}
	checkInvariant(t, f)
}

func TestLoginFailureIgnoresReasonPhrase(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(http.MethodPost, "/api/auth/login", http.StatusUnauthorized,
		`{"timestamp":"2024-05-01T10:00:00.000+00:00","status":401,"error":"Unauthorized","path":"/api/auth/login"}`)

	err := f.store.Login(context.Background(), library.Credentials{Username: "bad", Password: "bad"})
	if got := library.UserMessage(err, ""); got != "Login failed" {
		t.Fatalf("message = %q, want %q", got, "Login failed")
	}
	if !library.IsAuth(err) {
		t.Errorf("kind = %v, want auth", library.KindOf(err))
	}
	checkInvariant(t, f)
}

func TestLoginFailureKeepsExistingSession(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("alice", "secret", library.RoleMember)
	ctx := context.Background()

	if err := f.store.Login(ctx, library.Credentials{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	token := f.store.Token()

	if err := f.store.Login(ctx, library.Credentials{Username: "alice", Password: "wrong"}); err == nil {
		t.Fatal("second login with wrong password succeeded")
	}
	if f.store.Token() != token || !f.store.Authenticated() {
		t.Fatal("failed login clobbered the existing session")
	}
	if _, err := f.store.Signup(ctx, library.Profile{Username: "alice", Password: "x"}); err == nil {
		t.Fatal("duplicate signup succeeded")
	}
	if f.store.Token() != token {
		t.Fatal("failed signup clobbered the existing session")
	}
	checkInvariant(t, f)
}

func TestUnreachableBackendIsTransient(t *testing.T) {
	f := newFixture(t)
	f.server.Close()

	err := f.store.Login(context.Background(), library.Credentials{Username: "a", Password: "b"})
	if !library.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if got := library.UserMessage(err, ""); got != "Login failed" {
		t.Fatalf("message = %q", got)
	}
}

func TestSignupDoesNotAuthenticate(t *testing.T) {
	f := newFixture(t)
	identity, err := f.store.Signup(context.Background(), library.Profile{
		Username: "bob", Password: "pw", FirstName: "Bob", LastName: "Stone", Email: "bob@example.org",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if identity.Username != "bob" || identity.Role != library.RoleMember {
		t.Fatalf("identity = %+v", identity)
	}
	checkInvariant(t, f)
	if f.store.Authenticated() {
		t.Fatal("signup authenticated the session")
	}
	if stored, _ := f.db.LoadToken(); stored != "" {
		t.Fatal("signup stored a durable token")
	}
	if user, ok := f.store.User(); !ok || user.Username != "bob" {
		t.Fatalf("signup identity not kept: %+v", user)
	}

	if err := f.store.Login(context.Background(), library.Credentials{Username: "bob", Password: "pw"}); err != nil {
		t.Fatalf("login after signup: %v", err)
	}
	checkInvariant(t, f)
}

func TestSignupDuplicateUsesServerMessage(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("carol", "pw", library.RoleMember)
	_, err := f.store.Signup(context.Background(), library.Profile{Username: "carol", Password: "pw"})
	if got := library.UserMessage(err, ""); got != "Username already exists" {
		t.Fatalf("message = %q", got)
	}
	f.server.FailNext(http.MethodPost, "/api/auth/signup", http.StatusBadRequest, "")
	_, err = f.store.Signup(context.Background(), library.Profile{Username: "dave", Password: "pw"})
	if got := library.UserMessage(err, ""); got != "Signup failed" {
		t.Fatalf("message = %q, want default", got)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("alice", "secret", library.RoleAdmin)
	if err := f.store.Login(context.Background(), library.Credentials{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	f.store.Logout()
	once := f.store.Snapshot()
	f.store.Logout()
	twice := f.store.Snapshot()

	if once.Authenticated || twice.Authenticated || once.User != nil || twice.User != nil || once.State != twice.State {
		t.Fatalf("logout end states differ or are not anonymous: %+v vs %+v", once, twice)
	}
	checkInvariant(t, f)
	if stored, _ := f.db.LoadToken(); stored != "" {
		t.Fatal("logout left a durable token")
	}
}

func TestRestoreFromDurableToken(t *testing.T) {
	f := newFixture(t)
	alice := f.server.AddUser("alice", "secret", library.RoleAdmin)
	if err := f.db.SaveToken(f.server.TokenFor("alice")); err != nil {
		t.Fatalf("save token: %v", err)
	}

	f.store.Restore()
	checkInvariant(t, f)
	if !f.store.Authenticated() {
		t.Fatal("restore did not authenticate")
	}
	if _, ok := f.store.User(); ok {
		t.Fatal("restore should not load the identity")
	}
	if f.store.Snapshot().IsAdmin() {
		t.Fatal("restored session without identity must not be admin")
	}

	user, err := f.store.EnsureUser(context.Background())
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if user.ID != alice.ID || !f.store.Snapshot().IsAdmin() {
		t.Fatalf("identity after EnsureUser = %+v", user)
	}
	if calls := f.server.Calls(http.MethodGet, "/api/auth/me"); calls != 1 {
		t.Fatalf("me calls = %d, want 1", calls)
	}
	if _, err := f.store.EnsureUser(context.Background()); err != nil {
		t.Fatalf("second ensure user: %v", err)
	}
	if calls := f.server.Calls(http.MethodGet, "/api/auth/me"); calls != 1 {
		t.Fatalf("loaded identity was fetched again (%d calls)", calls)
	}
}

func TestRestoreWithoutTokenStaysAnonymous(t *testing.T) {
	f := newFixture(t)
	f.store.Restore()
	checkInvariant(t, f)
	if f.store.State() != StateAnonymous {
		t.Fatalf("state = %v", f.store.State())
	}
}

type brokenTokens struct {
	loadErr error
	deleted int
}

func (b *brokenTokens) SaveToken(string) error     { return nil }
func (b *brokenTokens) LoadToken() (string, error) { return "", b.loadErr }
func (b *brokenTokens) DeleteToken() error         { b.deleted++; return nil }

func TestRestoreDiscardsUnreadableToken(t *testing.T) {
	server := apitest.New(t)
	tokens := &brokenTokens{loadErr: fmt.Errorf("%w: bad tag", storage.ErrCorrupt)}
	store := New(Config{API: server.Client(t), Tokens: tokens})

	store.Restore()
	if store.Authenticated() {
		t.Fatal("unreadable token authenticated the session")
	}
	if tokens.deleted != 1 {
		t.Fatalf("deleted = %d, want 1", tokens.deleted)
	}
}

func TestRestoreKeepsTokenOnReadFailure(t *testing.T) {
	server := apitest.New(t)
	tokens := &brokenTokens{loadErr: errors.New("load token: database is locked")}
	store := New(Config{API: server.Client(t), Tokens: tokens})

	store.Restore()
	if store.Authenticated() {
		t.Fatal("failed load authenticated the session")
	}
	if tokens.deleted != 0 {
		t.Fatalf("deleted = %d, want 0", tokens.deleted)
	}
}

func TestEnsureUserFailureLeavesSession(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("alice", "secret", library.RoleMember)
	if err := f.db.SaveToken(f.server.TokenFor("alice")); err != nil {
		t.Fatalf("save token: %v", err)
	}
	f.store.Restore()
	f.server.FailNext(http.MethodGet, "/api/auth/me", http.StatusUnauthorized, "Invalid token")

	_, err := f.store.EnsureUser(context.Background())
	if !library.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if !f.store.Authenticated() {
		t.Fatal("a rejected profile fetch must not log the session out")
	}
	checkInvariant(t, f)
}

func TestEnsureUserRequiresLogin(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.EnsureUser(context.Background())
	if !library.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if calls := f.server.Calls(http.MethodGet, "/api/auth/me"); calls != 0 {
		t.Fatalf("anonymous EnsureUser made %d calls", calls)
	}
}

func TestSubscribeSeesEveryChange(t *testing.T) {
	f := newFixture(t)
	f.server.AddUser("alice", "secret", library.RoleMember)

	var seen []Snapshot
	cancel := f.store.Subscribe(func(s Snapshot) { seen = append(seen, s) })

	if err := f.store.Login(context.Background(), library.Credentials{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.store.Logout()
	cancel()
	f.store.Logout()

	if len(seen) < 3 {
		t.Fatalf("got %d notifications, want at least 3", len(seen))
	}
	if seen[0].State != StateAuthenticating {
		t.Errorf("first notification state = %v, want authenticating", seen[0].State)
	}
	last := seen[len(seen)-1]
	if last.Authenticated {
		t.Errorf("last notification should be anonymous")
	}
	for _, s := range seen {
		if s.State == StateAuthenticated && !s.Authenticated {
			t.Errorf("inconsistent snapshot %+v", s)
		}
	}
}

func TestInspectToken(t *testing.T) {
	server := apitest.New(t)
	server.AddUser("alice", "pw", library.RoleMember)
	info, err := InspectToken(server.TokenFor("alice"))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Subject != "alice" {
		t.Errorf("subject = %q", info.Subject)
	}
	if info.Expired(time.Now()) {
		t.Errorf("fresh token reported expired")
	}
	if !info.Expired(time.Now().Add(48 * time.Hour)) {
		t.Errorf("token should be expired in two days")
	}
	if _, err := InspectToken("opaque"); err == nil {
		t.Errorf("opaque token inspected without error")
	}
}

func TestSnapshotIsAdminFailsClosed(t *testing.T) {
	admin := library.UserIdentity{Role: library.RoleAdmin}
	unknown := library.UserIdentity{Role: library.RoleUnknown}
	tests := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"anonymous", Snapshot{}, false},
		{"token without identity", Snapshot{Authenticated: true}, false},
		{"unknown role", Snapshot{Authenticated: true, User: &unknown}, false},
		{"identity without token", Snapshot{User: &admin}, false},
		{"admin", Snapshot{Authenticated: true, User: &admin}, true},
	}
	for _, tt := range tests {
		if got := tt.snap.IsAdmin(); got != tt.want {
			t.Errorf("%s: IsAdmin = %v, want %v", tt.name, got, tt.want)
		}
	}
}

var _ TokenStore = (*storage.Database)(nil)

func TestErrorsAreClassified(t *testing.T) {
	f := newFixture(t)
	err := f.store.Login(context.Background(), library.Credentials{Username: "x", Password: "y"})
	var classified *library.Error
	if !errors.As(err, &classified) {
		t.Fatalf("err %T is not *library.Error", err)
	}
}
