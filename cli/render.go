package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"library-catalog/availability"
	"library-catalog/library"
	"library-catalog/reservation"
)

const dateLayout = "2006-01-02"

// styles are bound to one output so colour is only emitted to terminals.
type styles struct {
	heading lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	info    lipgloss.Style
	warning lipgloss.Style
	danger  lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		heading: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		muted:   r.NewStyle().Faint(true),
		success: r.NewStyle().Foreground(lipgloss.Color("2")),
		info:    r.NewStyle().Foreground(lipgloss.Color("4")),
		warning: r.NewStyle().Foreground(lipgloss.Color("3")),
		danger:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (s styles) availability(b library.Book) string {
	if !b.Reservable() {
		return s.danger.Render("Out of Stock")
	}
	return s.success.Render(fmt.Sprintf("%d of %d available", b.AvailableCopies, b.TotalCopies))
}

func (s styles) status(r library.Reservation, now time.Time) string {
	label := r.Status.String()
	switch {
	case r.Overdue(now):
		return s.danger.Render(library.StatusOverdue.String())
	case r.Status == library.StatusActive:
		return s.success.Render(label)
	case r.Status == library.StatusReturned:
		return s.info.Render(label)
	default:
		return s.muted.Render(label)
	}
}

func (s styles) action(a availability.Action) string {
	switch a {
	case availability.ActionOutOfStock:
		return s.muted.Render("[" + a.Label() + "]")
	case availability.ActionReserving:
		return s.warning.Render("[" + a.Label() + "]")
	default:
		return s.success.Render("[" + a.Label() + "]")
	}
}

// ---------------------------------------------------------------------------
// Pages
// ---------------------------------------------------------------------------

func printBooks(w io.Writer, s styles, books []library.Book) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books found matching your criteria.")
		return
	}
	fmt.Fprintf(w, "%-36s %-30s %-22s %-24s %s\n", "ID", "Title", "Author", "Categories", "Availability")
	fmt.Fprintln(w, strings.Repeat("-", 130))
	for _, b := range books {
		fmt.Fprintf(w, "%-36s %-30s %-22s %-24s %s\n",
			b.ID,
			TruncateString(b.Title, 30),
			TruncateString(b.Author, 22),
			TruncateString(strings.Join(b.Categories, ", "), 24),
			s.availability(b))
	}
}

func printBookDetail(w io.Writer, s styles, b library.Book, similar []library.Book, action availability.Action) {
	fmt.Fprintln(w, s.heading.Render(b.Title))
	fmt.Fprintf(w, "by %s\n\n", b.Author)
	if len(b.Categories) > 0 {
		fmt.Fprintf(w, "Categories:   %s\n", strings.Join(b.Categories, ", "))
	}
	if b.ISBN != "" {
		fmt.Fprintf(w, "ISBN:         %s\n", b.ISBN)
	}
	if b.PublicationYear != 0 {
		fmt.Fprintf(w, "Published:    %d\n", b.PublicationYear)
	}
	fmt.Fprintf(w, "Availability: %s\n", s.availability(b))
	if b.Description != "" {
		fmt.Fprintf(w, "\n%s\n", b.Description)
	}
	fmt.Fprintf(w, "\n%s\n", s.action(action))

	if len(similar) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.heading.Render("Similar Books"))
		for _, sb := range similar {
			fmt.Fprintf(w, "  %-36s %s by %s\n", sb.ID, TruncateString(sb.Title, 40), sb.Author)
		}
	}
}

func printReservations(w io.Writer, s styles, list []library.Reservation, now time.Time, showMember bool) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No reservations found.")
		return
	}
	if showMember {
		fmt.Fprintf(w, "%-36s %-20s %-28s %-12s %-12s %s\n", "ID", "Member", "Book", "Reserved", "Due", "Status")
	} else {
		fmt.Fprintf(w, "%-36s %-28s %-20s %-12s %-12s %s\n", "ID", "Book", "Author", "Reserved", "Due", "Status")
	}
	fmt.Fprintln(w, strings.Repeat("-", 125))
	for _, r := range list {
		if showMember {
			fmt.Fprintf(w, "%-36s %-20s %-28s %-12s %-12s %s\n",
				r.ID,
				TruncateString(memberName(r), 20),
				TruncateString(r.BookTitle, 28),
				formatDate(r.ReservationDate),
				formatDate(r.ExpectedReturnDate),
				s.status(r, now))
			continue
		}
		fmt.Fprintf(w, "%-36s %-28s %-20s %-12s %-12s %s\n",
			r.ID,
			TruncateString(r.BookTitle, 28),
			TruncateString(r.BookAuthor, 20),
			formatDate(r.ReservationDate),
			formatDate(r.ExpectedReturnDate),
			s.status(r, now))
	}
}

func printProfile(w io.Writer, s styles, user library.UserIdentity, summary reservation.Summary) {
	fmt.Fprintln(w, s.heading.Render("My Profile"))
	fmt.Fprintf(w, "Name:     %s %s\n", user.FirstName, user.LastName)
	fmt.Fprintf(w, "Username: %s\n", user.Username)
	fmt.Fprintf(w, "Email:    %s\n", user.Email)
	fmt.Fprintf(w, "Role:     %s\n", strings.ToLower(user.Role.String()))
	fmt.Fprintf(w, "\nActive Reservations: %d | Books Returned: %d\n\n", summary.Active, summary.Returned)
}

func memberName(r library.Reservation) string {
	name := strings.TrimSpace(r.UserFirstName + " " + r.UserLastName)
	switch {
	case name != "":
		return name
	case r.UserUsername != "":
		return r.UserUsername
	default:
		return r.UserID
	}
}

func formatDate(t library.Timestamp) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(dateLayout)
}

// TruncateString shortens s to at most maxLength runes, marking the cut
// with "..." when there is room for it.
func TruncateString(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}
