// Package session holds the process's authentication state: the bearer
// token, the signed-in identity, and the durable copy of the token that
// lets a later process start where this one left off.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"library-catalog/api"
	"library-catalog/library"
	"library-catalog/storage"
)

const (
	loginFailed   = "Login failed"
	signupFailed  = "Signup failed"
	profileFailed = "Failed to load profile"
	loginRequired = "Please log in to continue"
)

// State is the session's position in its lifecycle.
type State int

const (
	StateAnonymous State = iota
	// StateAuthenticating is logical only: a login is in flight and no
	// token is held yet.
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// TokenStore persists the token across process restarts. LoadToken
// reports a record that can never be read with storage.ErrCorrupt.
type TokenStore interface {
	SaveToken(token string) error
	LoadToken() (string, error)
	DeleteToken() error
}

// Config holds the dependencies of a Store.
type Config struct {
	// API is the shared transport whose bearer credential the store
	// manages.
	API *api.Client

	// Tokens is the durable token store.
	Tokens TokenStore

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	State State
	// Authenticated is true exactly when a token is held.
	Authenticated bool
	// User is nil until an identity has been loaded.
	User *library.UserIdentity
}

// IsAdmin reports whether the snapshot grants the admin capability. An
// authenticated session whose identity has not been loaded is not admin.
func (s Snapshot) IsAdmin() bool {
	if !s.Authenticated || s.User == nil {
		return false
	}
	switch s.User.Role {
	case library.RoleAdmin:
		return true
	case library.RoleMember, library.RoleUnknown:
		return false
	}
	return false
}

// Store is the session store. It is safe for concurrent use; listeners
// are invoked outside the lock after every state change.
type Store struct {
	api    *api.Client
	tokens TokenStore
	logger *slog.Logger

	mu             sync.Mutex
	token          string
	user           *library.UserIdentity
	authenticating int
	listeners      map[int]func(Snapshot)
	nextListener   int
}

// New creates an anonymous Store. Call Restore to pick up a durable
// token from a previous process.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		api:       cfg.API,
		tokens:    cfg.Tokens,
		logger:    logger.With("component", "session"),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Restore re-attaches a durable token, if one exists, and marks the
// session authenticated without asking the server. An expired token is
// only discovered when a later request is rejected. A corrupt record is
// discarded; any other load failure leaves it in place for the next
// process. Either way the session stays anonymous.
func (s *Store) Restore() {
	token, err := s.tokens.LoadToken()
	if errors.Is(err, storage.ErrCorrupt) {
		s.logger.Warn("discarding unreadable stored token", "error", err)
		if err := s.tokens.DeleteToken(); err != nil {
			s.logger.Warn("deleting unreadable stored token", "error", err)
		}
		return
	}
	if err != nil {
		s.logger.Warn("loading stored token failed", "error", err)
		return
	}
	if token == "" {
		return
	}

	s.mu.Lock()
	s.token = token
	s.api.SetBearerToken(token)
	s.mu.Unlock()
	s.logger.Debug("restored session from durable token")
	s.notify()
}

type loginResponse struct {
	Token string                `json:"token"`
	User  *library.UserIdentity `json:"user"`
}

// Login exchanges credentials for a token. On success the token is
// persisted, attached to outgoing requests, and the identity returned by
// the server is kept. On failure the prior session is left untouched and
// the returned *library.Error carries the server's message or "Login
// failed".
func (s *Store) Login(ctx context.Context, creds library.Credentials) error {
	s.setAuthenticating(+1)
	defer s.setAuthenticating(-1)

	var response loginResponse
	if err := s.api.Post(ctx, "/api/auth/login", creds, &response); err != nil {
		s.logger.Info("login rejected", "username", creds.Username, "error", err)
		return authError(err, loginFailed)
	}
	if response.Token == "" {
		return library.NewError(library.KindUnexpected, loginFailed, nil)
	}

	if err := s.tokens.SaveToken(response.Token); err != nil {
		// The session still works for this process.
		s.logger.Warn("persisting token failed", "error", err)
	}

	s.mu.Lock()
	s.token = response.Token
	s.user = response.User
	s.api.SetBearerToken(response.Token)
	s.mu.Unlock()
	s.logger.Info("logged in", "username", creds.Username)
	return nil
}

// Signup registers a new member and returns the identity the server
// created. It never authenticates the session: any token in the response
// is ignored, so the new member must log in afterwards. The identity is
// kept only when no other member is signed in.
func (s *Store) Signup(ctx context.Context, profile library.Profile) (library.UserIdentity, error) {
	var raw json.RawMessage
	if err := s.api.Post(ctx, "/api/auth/signup", profile, &raw); err != nil {
		s.logger.Info("signup rejected", "username", profile.Username, "error", err)
		return library.UserIdentity{}, authError(err, signupFailed)
	}

	identity, err := decodeSignup(raw)
	if err != nil {
		return library.UserIdentity{}, library.NewError(library.KindUnexpected, signupFailed, err)
	}

	s.mu.Lock()
	kept := s.token == ""
	if kept {
		s.user = &identity
	}
	s.mu.Unlock()
	if kept {
		s.notify()
	}
	return identity, nil
}

// decodeSignup accepts either a bare identity or a {token, user} envelope.
func decodeSignup(raw json.RawMessage) (library.UserIdentity, error) {
	var envelope struct {
		User *library.UserIdentity `json:"user"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.User != nil {
		return *envelope.User, nil
	}
	var identity library.UserIdentity
	err := json.Unmarshal(raw, &identity)
	return identity, err
}

// Logout clears the durable token, the outgoing credential, and the
// identity. Calling it on an anonymous session is a no-op.
func (s *Store) Logout() {
	if err := s.tokens.DeleteToken(); err != nil {
		s.logger.Warn("deleting stored token", "error", err)
	}

	s.mu.Lock()
	changed := s.token != "" || s.user != nil
	s.token = ""
	s.user = nil
	s.api.ClearBearerToken()
	s.mu.Unlock()
	if changed {
		s.logger.Info("logged out")
		s.notify()
	}
}

// EnsureUser returns the signed-in identity, loading it from the server
// when the session was restored from a durable token. A failure leaves
// the session as it was.
func (s *Store) EnsureUser(ctx context.Context) (library.UserIdentity, error) {
	s.mu.Lock()
	token, user := s.token, s.user
	s.mu.Unlock()

	if token == "" {
		return library.UserIdentity{}, library.NewError(library.KindAuth, loginRequired, nil)
	}
	if user != nil {
		return *user, nil
	}

	var identity library.UserIdentity
	if err := s.api.Get(ctx, "/api/auth/me", nil, &identity); err != nil {
		s.logger.Info("loading identity failed", "error", err)
		return library.UserIdentity{}, api.Classify(err, profileFailed)
	}

	s.mu.Lock()
	// Apply only if the session did not change while the request was out.
	applied := s.token == token && s.user == nil
	if applied {
		s.user = &identity
	}
	s.mu.Unlock()
	if applied {
		s.notify()
	}
	return identity, nil
}

// Snapshot returns the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{State: StateAnonymous}
	switch {
	case s.token != "":
		snap.State = StateAuthenticated
		snap.Authenticated = true
	case s.authenticating > 0:
		snap.State = StateAuthenticating
	}
	if s.user != nil {
		user := *s.user
		snap.User = &user
	}
	return snap
}

// State returns the current lifecycle state.
func (s *Store) State() State { return s.Snapshot().State }

// Authenticated reports whether a token is held.
func (s *Store) Authenticated() bool { return s.Snapshot().Authenticated }

// User returns the loaded identity, if any.
func (s *Store) User() (library.UserIdentity, bool) {
	snap := s.Snapshot()
	if snap.User == nil {
		return library.UserIdentity{}, false
	}
	return *snap.User, true
}

// Token returns the held token, or "". It is meant for display tooling
// such as InspectToken; requests pick the token up from the api client.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Subscribe registers fn to be called with a fresh snapshot after every
// session change. The returned function unregisters it.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) setAuthenticating(delta int) {
	s.mu.Lock()
	s.authenticating += delta
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// authError classifies a login or signup failure. Anything other than a
// connectivity problem is an authentication failure.
func authError(err error, fallback string) *library.Error {
	if api.KindOf(err) == library.KindTransient {
		return api.ClassifyAs(library.KindTransient, err, fallback)
	}
	return api.ClassifyAs(library.KindAuth, err, fallback)
}
