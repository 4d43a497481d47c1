package library

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Role is a member's authorization level as reported by the backend.
type Role int

const (
	// RoleUnknown covers absent or unrecognised roles. It is never
	// treated as privileged.
	RoleUnknown Role = iota
	RoleMember
	RoleAdmin
)

// ParseRole maps the backend's role string to a Role.
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MEMBER", "USER":
		return RoleMember
	case "ADMIN":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "MEMBER"
	case RoleAdmin:
		return "ADMIN"
	case RoleUnknown:
		return "UNKNOWN"
	}
	return "UNKNOWN"
}

func (r Role) MarshalJSON() ([]byte, error) {
	if r == RoleUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null or a non-string role: fail closed.
		*r = RoleUnknown
		return nil
	}
	*r = ParseRole(s)
	return nil
}

// UserIdentity is the signed-in member's profile.
type UserIdentity struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

// DisplayName prefers the full name and falls back to the username.
func (u UserIdentity) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Credentials is the login payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Profile is the signup payload.
type Profile struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Book represents catalogue metadata and the copy counts reported by the
// backend. AvailableCopies is derived state owned by the server.
type Book struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Categories      []string `json:"categories"`
	TotalCopies     int      `json:"totalCopies"`
	AvailableCopies int      `json:"availableCopies"`
	Description     string   `json:"description,omitempty"`
	ISBN            string   `json:"isbn,omitempty"`
	PublicationYear int      `json:"publicationYear,omitempty"`
	CoverImageURL   string   `json:"coverImageUrl,omitempty"`
}

// Reservable reports whether the reserve action should be offered at all.
func (b Book) Reservable() bool { return b.AvailableCopies > 0 }

// HasCategory reports whether category is one of the book's categories.
func (b Book) HasCategory(category string) bool {
	for _, c := range b.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Normalized returns b with 0 <= AvailableCopies <= TotalCopies. The
// second result is true when the server value had to be clamped.
func (b Book) Normalized() (Book, bool) {
	clamped := false
	if b.TotalCopies < 0 {
		b.TotalCopies = 0
		clamped = true
	}
	if b.AvailableCopies < 0 {
		b.AvailableCopies = 0
		clamped = true
	}
	if b.AvailableCopies > b.TotalCopies {
		b.AvailableCopies = b.TotalCopies
		clamped = true
	}
	return b, clamped
}

// NewBook is the admin payload for creating or updating a book. The
// backend initialises availableCopies from totalCopies on create.
type NewBook struct {
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Categories      []string `json:"categories"`
	TotalCopies     int      `json:"totalCopies"`
	AvailableCopies *int     `json:"availableCopies,omitempty"`
	Description     string   `json:"description,omitempty"`
	ISBN            string   `json:"isbn,omitempty"`
	PublicationYear int      `json:"publicationYear,omitempty"`
	CoverImageURL   string   `json:"coverImageUrl,omitempty"`
}

// Validate checks the fields the backend requires.
func (b NewBook) Validate() error {
	switch {
	case strings.TrimSpace(b.Title) == "":
		return errors.New("title is required")
	case strings.TrimSpace(b.Author) == "":
		return errors.New("author is required")
	case b.TotalCopies < 1:
		return errors.New("total copies must be at least 1")
	case b.AvailableCopies != nil && (*b.AvailableCopies < 0 || *b.AvailableCopies > b.TotalCopies):
		return errors.New("available copies must be between 0 and total copies")
	}
	return nil
}

// ReservationStatus is assigned by the server.
type ReservationStatus int

const (
	StatusUnknown ReservationStatus = iota
	StatusActive
	StatusReturned
	StatusCancelled
	StatusOverdue
)

// ParseReservationStatus maps the backend status string.
func ParseReservationStatus(s string) ReservationStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACTIVE":
		return StatusActive
	case "RETURNED":
		return StatusReturned
	case "CANCELLED":
		return StatusCancelled
	case "OVERDUE":
		return StatusOverdue
	default:
		return StatusUnknown
	}
}

func (s ReservationStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusReturned:
		return "RETURNED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusOverdue:
		return "OVERDUE"
	case StatusUnknown:
		return "UNKNOWN"
	}
	return "UNKNOWN"
}

func (s ReservationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ReservationStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = StatusUnknown
		return nil
	}
	*s = ParseReservationStatus(raw)
	return nil
}

// Reservation is a server-side record. Book title and author are
// denormalised by the backend for display.
type Reservation struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	BookID             string            `json:"bookId"`
	BookTitle          string            `json:"bookTitle"`
	BookAuthor         string            `json:"bookAuthor"`
	UserUsername       string            `json:"userUsername,omitempty"`
	UserFirstName      string            `json:"userFirstName,omitempty"`
	UserLastName       string            `json:"userLastName,omitempty"`
	ReservationDate    Timestamp         `json:"reservationDate"`
	ExpectedReturnDate Timestamp         `json:"expectedReturnDate"`
	Status             ReservationStatus `json:"status"`
}

// Overdue mirrors the backend's rule for display purposes only; the
// status field stays authoritative.
func (r Reservation) Overdue(now time.Time) bool {
	if r.Status == StatusOverdue {
		return true
	}
	return r.Status == StatusActive &&
		!r.ExpectedReturnDate.IsZero() &&
		now.After(r.ExpectedReturnDate.Time)
}

// Timestamp decodes both RFC 3339 and the zone-less local date-times the
// backend emits.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil || raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return &time.ParseError{Layout: time.RFC3339, Value: raw, Message: ": unrecognised timestamp"}
}
