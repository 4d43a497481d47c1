// Package apitest runs an in-memory fake of the library backend for
// tests. It speaks the same REST contract as the real service: JWT
// bearer auth, plain-text error bodies, and zone-less timestamps.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"library-catalog/api"
	"library-catalog/library"
)

// LoanPeriod is how long a reservation runs before it is due back.
const LoanPeriod = 14 * 24 * time.Hour

const localDateTime = "2006-01-02T15:04:05.999999"

type account struct {
	identity library.UserIdentity
	password string
}

type failure struct {
	status int
	body   string
}

// Server is a stateful fake backend. All exported methods are safe for
// concurrent use with in-flight requests.
type Server struct {
	*httptest.Server

	secret []byte

	mu           sync.Mutex
	now          func() time.Time
	accounts     map[string]*account
	books        map[string]*library.Book
	bookOrder    []string
	reservations map[string]*library.Reservation
	resOrder     []string
	calls        map[string]int
	failures     map[string][]failure
	holds        map[string]*Hold
}

// New starts a fake backend and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:       []byte("apitest-" + uuid.NewString()),
		now:          time.Now,
		accounts:     make(map[string]*account),
		books:        make(map[string]*library.Book),
		reservations: make(map[string]*library.Reservation),
		calls:        make(map[string]int),
		failures:     make(map[string][]failure),
		holds:        make(map[string]*Hold),
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// Close releases every hold so parked requests can finish, then shuts
// the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, hold := range s.holds {
		hold.Release()
	}
	s.mu.Unlock()
	s.Server.Close()
}

// Client returns an api.Client pointed at the fake.
func (s *Server) Client(t testing.TB) *api.Client {
	t.Helper()
	client, err := api.New(api.Config{BaseURL: s.URL})
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	return client
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/me", s.handleMe).Methods(http.MethodGet)

	r.HandleFunc("/api/books", s.handleListBooks).Methods(http.MethodGet)
	r.HandleFunc("/api/books", s.handleCreateBook).Methods(http.MethodPost)
	r.HandleFunc("/api/books/search", s.handleSearchBooks).Methods(http.MethodGet)
	r.HandleFunc("/api/books/category", s.handleBooksByCategory).Methods(http.MethodGet)
	r.HandleFunc("/api/books/{id}", s.handleGetBook).Methods(http.MethodGet)
	r.HandleFunc("/api/books/{id}", s.handleUpdateBook).Methods(http.MethodPut)
	r.HandleFunc("/api/books/{id}", s.handleDeleteBook).Methods(http.MethodDelete)

	r.HandleFunc("/api/reservations", s.handleListReservations).Methods(http.MethodGet)
	r.HandleFunc("/api/reservations", s.handleCreateReservation).Methods(http.MethodPost)
	r.HandleFunc("/api/reservations/user/{userId}", s.handleUserReservations).Methods(http.MethodGet)
	r.HandleFunc("/api/reservations/{id}/return", s.handleReturn).Methods(http.MethodPost)
	r.HandleFunc("/api/reservations/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	return r
}

// routeKey names a route as "METHOD /path/template".
func routeKey(method, template string) string { return method + " " + template }

// instrument counts calls, applies injected failures, and parks held
// requests until released.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		template, _ := mux.CurrentRoute(r).GetPathTemplate()
		key := routeKey(r.Method, template)

		s.mu.Lock()
		s.calls[key]++
		hold := s.holds[key]
		var injected *failure
		if queue := s.failures[key]; len(queue) > 0 {
			injected = &queue[0]
			s.failures[key] = queue[1:]
		}
		s.mu.Unlock()

		if hold != nil {
			hold.arrive()
			select {
			case <-hold.release:
			case <-r.Context().Done():
				return
			}
		}
		if injected != nil {
			writeText(w, injected.status, injected.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Fixtures and inspection
// ---------------------------------------------------------------------------

// SetNow replaces the clock used for reservation dates.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddUser registers an account and returns its identity.
func (s *Server) AddUser(username, password string, role library.Role) library.UserIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity := library.UserIdentity{
		ID:        uuid.NewString(),
		Username:  username,
		FirstName: strings.ToUpper(username[:1]) + username[1:],
		LastName:  "Reader",
		Email:     username + "@example.org",
		Role:      role,
	}
	s.accounts[username] = &account{identity: identity, password: password}
	return identity
}

// AddBook stores b, assigning an id when it has none.
func (s *Server) AddBook(b library.Book) library.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	stored := b
	if _, exists := s.books[b.ID]; !exists {
		s.bookOrder = append(s.bookOrder, b.ID)
	}
	s.books[b.ID] = &stored
	return stored
}

// Book returns the server's authoritative copy of a book.
func (s *Server) Book(id string) (library.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return library.Book{}, false
	}
	return *b, true
}

// SetAvailable overwrites a book's available count, simulating another
// client's activity.
func (s *Server) SetAvailable(id string, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[id]; ok {
		b.AvailableCopies = available
	}
}

// Reservations returns every stored reservation in creation order.
func (s *Server) Reservations() []library.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]library.Reservation, 0, len(s.resOrder))
	for _, id := range s.resOrder {
		out = append(out, *s.reservations[id])
	}
	return out
}

// TokenFor issues a valid bearer token for username.
func (s *Server) TokenFor(username string) string {
	token, err := s.issueToken(username)
	if err != nil {
		panic(fmt.Sprintf("apitest: issue token: %v", err))
	}
	return token
}

// Calls reports how many requests reached the route, e.g.
// Calls("POST", "/api/reservations").
func (s *Server) Calls(method, template string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[routeKey(method, template)]
}

// FailNext makes the next request to the route answer status with a
// plain-text body instead of being handled.
func (s *Server) FailNext(method, template string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := routeKey(method, template)
	s.failures[key] = append(s.failures[key], failure{status: status, body: body})
}

// Hold parks every request to the route until Release is called.
type Hold struct {
	arrived    chan struct{}
	release    chan struct{}
	arriveOnce sync.Once
	once       sync.Once
}

func (h *Hold) arrive() { h.arriveOnce.Do(func() { close(h.arrived) }) }

// Arrived is closed once the first held request has reached the server.
func (h *Hold) Arrived() <-chan struct{} { return h.arrived }

// Release lets held requests proceed. It is safe to call more than once.
func (h *Hold) Release() { h.once.Do(func() { close(h.release) }) }

// Hold starts holding requests to the route. Close releases it.
func (s *Server) Hold(method, template string) *Hold {
	hold := &Hold{arrived: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[routeKey(method, template)] = hold
	s.mu.Unlock()
	return hold
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func (s *Server) issueToken(username string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		Issuer:    "apitest",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// caller resolves the bearer token to an account.
func (s *Server) caller(r *http.Request) (*account, bool) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[claims.Subject]
	return acct, ok
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	acct, ok := s.caller(r)
	if !ok {
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	if acct.identity.Role != library.RoleAdmin {
		writeText(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

type authResponse struct {
	Token string               `json:"token"`
	User  library.UserIdentity `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds library.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeText(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[creds.Username]
	s.mu.Unlock()
	if !ok || acct.password != creds.Password {
		writeText(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := s.issueToken(creds.Username)
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: acct.identity})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var profile library.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeText(w, http.StatusBadRequest, "Registration failed: "+err.Error())
		return
	}
	if profile.Username == "" || profile.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Username and password are required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[profile.Username]; exists {
		s.mu.Unlock()
		writeText(w, http.StatusBadRequest, "Username already exists")
		return
	}
	for _, acct := range s.accounts {
		if profile.Email != "" && acct.identity.Email == profile.Email {
			s.mu.Unlock()
			writeText(w, http.StatusBadRequest, "Email already exists")
			return
		}
	}
	identity := library.UserIdentity{
		ID:        uuid.NewString(),
		Username:  profile.Username,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Email:     profile.Email,
		Role:      library.RoleMember,
	}
	s.accounts[profile.Username] = &account{identity: identity, password: profile.Password}
	s.mu.Unlock()

	token, err := s.issueToken(profile.Username)
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: identity})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.caller(r)
	if !ok {
		writeText(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	writeJSON(w, http.StatusOK, acct.identity)
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

func (s *Server) selectBooks(keep func(*library.Book) bool) []library.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]library.Book, 0, len(s.bookOrder))
	for _, id := range s.bookOrder {
		if b := s.books[id]; keep(b) {
			out = append(out, *b)
		}
	}
	return out
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selectBooks(func(*library.Book) bool { return true }))
}

func (s *Server) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	filter := library.Filter{Query: query}
	writeJSON(w, http.StatusOK, s.selectBooks(func(b *library.Book) bool { return filter.Match(*b) }))
}

func (s *Server) handleBooksByCategory(w http.ResponseWriter, r *http.Request) {
	var wanted []string
	for _, value := range r.URL.Query()["categories"] {
		for _, c := range strings.Split(value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				wanted = append(wanted, c)
			}
		}
	}
	writeJSON(w, http.StatusOK, s.selectBooks(func(b *library.Book) bool {
		for _, c := range wanted {
			if b.HasCategory(c) {
				return true
			}
		}
		return false
	}))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, ok := s.Book(mux.Vars(r)["id"])
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func bookFromPayload(id string, payload library.NewBook) library.Book {
	available := payload.TotalCopies
	if payload.AvailableCopies != nil {
		available = *payload.AvailableCopies
	}
	return library.Book{
		ID:              id,
		Title:           payload.Title,
		Author:          payload.Author,
		Categories:      payload.Categories,
		TotalCopies:     payload.TotalCopies,
		AvailableCopies: available,
		Description:     payload.Description,
		ISBN:            payload.ISBN,
		PublicationYear: payload.PublicationYear,
		CoverImageURL:   payload.CoverImageURL,
	}
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var payload library.NewBook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.AddBook(bookFromPayload("", payload)))
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, ok := s.Book(id); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var payload library.NewBook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.AddBook(bookFromPayload(id, payload)))
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(s.books, id)
	for i, existing := range s.bookOrder {
		if existing == id {
			s.bookOrder = append(s.bookOrder[:i], s.bookOrder[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// wireReservation mirrors the backend's JSON, whose dates carry no zone.
type wireReservation struct {
	ID                 string `json:"id"`
	UserID             string `json:"userId"`
	BookID             string `json:"bookId"`
	BookTitle          string `json:"bookTitle"`
	BookAuthor         string `json:"bookAuthor"`
	UserUsername       string `json:"userUsername"`
	UserFirstName      string `json:"userFirstName"`
	UserLastName       string `json:"userLastName"`
	ReservationDate    string `json:"reservationDate"`
	ExpectedReturnDate string `json:"expectedReturnDate"`
	Status             string `json:"status"`
}

func toWire(res library.Reservation) wireReservation {
	return wireReservation{
		ID:                 res.ID,
		UserID:             res.UserID,
		BookID:             res.BookID,
		BookTitle:          res.BookTitle,
		BookAuthor:         res.BookAuthor,
		UserUsername:       res.UserUsername,
		UserFirstName:      res.UserFirstName,
		UserLastName:       res.UserLastName,
		ReservationDate:    res.ReservationDate.UTC().Format(localDateTime),
		ExpectedReturnDate: res.ExpectedReturnDate.UTC().Format(localDateTime),
		Status:             res.Status.String(),
	}
}

func (s *Server) selectReservations(keep func(*library.Reservation) bool) []wireReservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireReservation, 0, len(s.resOrder))
	for _, id := range s.resOrder {
		if res := s.reservations[id]; keep(res) {
			out = append(out, toWire(*res))
		}
	}
	return out
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.selectReservations(func(*library.Reservation) bool { return true }))
}

func (s *Server) handleUserReservations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(r); !ok {
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	userID := mux.Vars(r)["userId"]
	writeJSON(w, http.StatusOK, s.selectReservations(func(res *library.Reservation) bool {
		return res.UserID == userID
	}))
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(r); !ok {
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var request map[string]string
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, bookID := request["userId"], request["bookId"]
	if userID == "" || bookID == "" {
		writeText(w, http.StatusBadRequest, "userId and bookId are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[bookID]
	if !ok || book.AvailableCopies <= 0 {
		writeText(w, http.StatusBadRequest, "Book is not available for reservation")
		return
	}
	book.AvailableCopies--

	now := s.now().Truncate(time.Microsecond)
	res := &library.Reservation{
		ID:                 uuid.NewString(),
		UserID:             userID,
		BookID:             bookID,
		BookTitle:          book.Title,
		BookAuthor:         book.Author,
		ReservationDate:    library.Timestamp{Time: now},
		ExpectedReturnDate: library.Timestamp{Time: now.Add(LoanPeriod)},
		Status:             library.StatusActive,
	}
	for _, acct := range s.accounts {
		if acct.identity.ID == userID {
			res.UserUsername = acct.identity.Username
			res.UserFirstName = acct.identity.FirstName
			res.UserLastName = acct.identity.LastName
		}
	}
	s.reservations[res.ID] = res
	s.resOrder = append(s.resOrder, res.ID)
	writeJSON(w, http.StatusOK, toWire(*res))
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	s.closeReservation(w, r, library.StatusReturned, "Book returned successfully", "Failed to return book")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.closeReservation(w, r, library.StatusCancelled, "Reservation cancelled successfully", "Failed to cancel reservation")
}

// closeReservation moves an ACTIVE reservation to status and puts the
// copy back on the shelf.
func (s *Server) closeReservation(w http.ResponseWriter, r *http.Request, status library.ReservationStatus, ok, failed string) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	res, found := s.reservations[id]
	if !found || res.Status != library.StatusActive {
		writeText(w, http.StatusBadRequest, failed)
		return
	}
	res.Status = status
	if book, exists := s.books[res.BookID]; exists && book.AvailableCopies < book.TotalCopies {
		book.AvailableCopies++
	}
	writeText(w, http.StatusOK, ok)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
