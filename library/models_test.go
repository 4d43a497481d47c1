package library

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRoleDecodingFailsClosed(t *testing.T) {
	tests := []struct {
		raw  string
		want Role
	}{
		{`"ADMIN"`, RoleAdmin},
		{`"admin"`, RoleAdmin},
		{`"MEMBER"`, RoleMember},
		{`"SUPERUSER"`, RoleUnknown},
		{`null`, RoleUnknown},
		{`7`, RoleUnknown},
	}
	for _, tt := range tests {
		var u struct {
			Role Role `json:"role"`
		}
		if err := json.Unmarshal([]byte(`{"role":`+tt.raw+`}`), &u); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if u.Role != tt.want {
			t.Errorf("role %s = %v, want %v", tt.raw, u.Role, tt.want)
		}
	}
}

func TestBookNormalized(t *testing.T) {
	tests := []struct {
		name        string
		in          Book
		wantAvail   int
		wantClamped bool
	}{
		{"in range", Book{TotalCopies: 3, AvailableCopies: 1}, 1, false},
		{"negative", Book{TotalCopies: 3, AvailableCopies: -2}, 0, true},
		{"above total", Book{TotalCopies: 2, AvailableCopies: 5}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := tt.in.Normalized()
			if got.AvailableCopies != tt.wantAvail || clamped != tt.wantClamped {
				t.Fatalf("got (%d, %v), want (%d, %v)", got.AvailableCopies, clamped, tt.wantAvail, tt.wantClamped)
			}
		})
	}
}

func TestReservationDecodesBackendTimestamps(t *testing.T) {
	raw := `{"id":"r1","userId":"u1","bookId":"b1","bookTitle":"Dune","bookAuthor":"Herbert",
		"reservationDate":"2024-03-01T10:15:30.123","expectedReturnDate":"2024-03-15T10:15:30",
		"status":"ACTIVE"}`
	var r Reservation
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Status != StatusActive {
		t.Fatalf("status = %v, want ACTIVE", r.Status)
	}
	if r.ExpectedReturnDate.Day() != 15 {
		t.Fatalf("expected return day = %d, want 15", r.ExpectedReturnDate.Day())
	}
	if !r.Overdue(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reservation should be overdue in April")
	}
	if r.Overdue(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reservation should not be overdue the next day")
	}
}

func TestUnknownStatusDecodes(t *testing.T) {
	var r Reservation
	if err := json.Unmarshal([]byte(`{"status":"LOST"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Status != StatusUnknown {
		t.Fatalf("status = %v, want UNKNOWN", r.Status)
	}
}

func TestUserMessage(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), NewError(KindConflict, "Book is not available", nil))
	if got := UserMessage(wrapped, "fallback"); got != "Book is not available" {
		t.Errorf("UserMessage = %q", got)
	}
	if !IsConflict(wrapped) {
		t.Errorf("IsConflict = false, want true")
	}
	if got := UserMessage(errors.New("boom"), "Failed to reserve book"); got != "Failed to reserve book" {
		t.Errorf("UserMessage = %q, want fallback", got)
	}
	if KindOf(errors.New("boom")) != KindUnexpected {
		t.Errorf("plain errors should be unexpected")
	}
}
