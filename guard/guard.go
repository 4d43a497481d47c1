// Package guard decides which views are reachable from the current
// session. Every navigation is checked synchronously, and a Navigator
// re-checks its location whenever the session changes.
package guard

import (
	"strings"

	"library-catalog/library"
	"library-catalog/session"
)

// View paths.
const (
	PathHome    = "/"
	PathLogin   = "/login"
	PathSignup  = "/signup"
	PathBooks   = "/books"
	PathProfile = "/profile"
	PathAdmin   = "/admin"
)

// BookPath is the detail view for one book.
func BookPath(id string) string { return PathBooks + "/" + id }

// Requirement is the capability a view demands.
type Requirement int

const (
	Public Requirement = iota
	Authenticated
	Admin
)

func (r Requirement) String() string {
	switch r {
	case Authenticated:
		return "authenticated"
	case Admin:
		return "admin"
	default:
		return "public"
	}
}

// Route binds a path pattern to its requirement. A segment written as
// {name} matches any single non-empty segment.
type Route struct {
	Pattern     string
	Requirement Requirement
}

// Routes is the view table.
var Routes = []Route{
	{PathHome, Public},
	{PathLogin, Public},
	{PathSignup, Public},
	{PathBooks, Public},
	{PathBooks + "/{id}", Public},
	{PathProfile, Authenticated},
	{PathAdmin, Admin},
}

// Reason explains a denial.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonUnauthenticated sends the user to log in.
	ReasonUnauthenticated
	// ReasonForbidden means the user is signed in but lacks the role;
	// they are sent home, not asked to log in again.
	ReasonForbidden
	// ReasonUnknownRoute means no view matches the path.
	ReasonUnknownRoute
)

func (r Reason) String() string {
	switch r {
	case ReasonUnauthenticated:
		return "login required"
	case ReasonForbidden:
		return "admin access required"
	case ReasonUnknownRoute:
		return "no such page"
	default:
		return ""
	}
}

// Decision is the outcome of a check. Redirect is set whenever Allowed
// is false.
type Decision struct {
	Allowed  bool
	Redirect string
	Reason   Reason
}

// SessionSource is the part of the session store the guard reads.
type SessionSource interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) (cancel func())
}

// Guard checks paths against the route table.
type Guard struct {
	session SessionSource
	routes  []Route
}

// New returns a Guard over the default route table.
func New(src SessionSource) *Guard {
	return &Guard{session: src, routes: Routes}
}

// RequirementFor returns the requirement of the view matching path.
func (g *Guard) RequirementFor(path string) (Requirement, bool) {
	clean := normalize(path)
	for _, route := range g.routes {
		if match(route.Pattern, clean) {
			return route.Requirement, true
		}
	}
	return Public, false
}

// Check evaluates path against the current session.
func (g *Guard) Check(path string) Decision {
	return g.CheckWith(path, g.session.Snapshot())
}

// CheckWith evaluates path against snap.
func (g *Guard) CheckWith(path string, snap session.Snapshot) Decision {
	req, ok := g.RequirementFor(path)
	if !ok {
		return Decision{Redirect: PathHome, Reason: ReasonUnknownRoute}
	}
	return Evaluate(req, snap)
}

// Evaluate applies a requirement to a session snapshot.
func Evaluate(req Requirement, snap session.Snapshot) Decision {
	switch req {
	case Public:
		return Decision{Allowed: true}
	case Authenticated:
		if !RequiresAuthentication(snap) {
			return Decision{Redirect: PathLogin, Reason: ReasonUnauthenticated}
		}
		return Decision{Allowed: true}
	case Admin:
		if !RequiresAuthentication(snap) {
			return Decision{Redirect: PathLogin, Reason: ReasonUnauthenticated}
		}
		if !RequiresRole(snap, library.RoleAdmin) {
			return Decision{Redirect: PathHome, Reason: ReasonForbidden}
		}
		return Decision{Allowed: true}
	}
	// Unrecognised requirement: deny.
	return Decision{Redirect: PathHome, Reason: ReasonForbidden}
}

// RequiresAuthentication reports whether snap satisfies the
// authenticated capability.
func RequiresAuthentication(snap session.Snapshot) bool {
	return snap.Authenticated
}

// RequiresRole reports whether snap satisfies the given role. A session
// whose identity has not been loaded satisfies no role.
func RequiresRole(snap session.Snapshot, role library.Role) bool {
	if !snap.Authenticated || snap.User == nil {
		return false
	}
	switch role {
	case library.RoleAdmin:
		return snap.User.Role == library.RoleAdmin
	case library.RoleMember:
		return snap.User.Role == library.RoleMember || snap.User.Role == library.RoleAdmin
	case library.RoleUnknown:
		return false
	}
	return false
}

func normalize(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return PathHome
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

func match(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if part != pathParts[i] {
			return false
		}
	}
	return true
}
