package guard

import (
	"sync"

	"library-catalog/session"
)

// Redirect describes a forced move away from a view.
type Redirect struct {
	// From is where the navigator was.
	From string
	// Requested is the view that was denied.
	Requested string
	To        string
	Decision  Decision
}

// Navigator tracks the current location and keeps it reachable: every
// navigation passes through the guard, and every session change
// re-checks the location, so a logout while on /admin moves the user
// off it immediately.
type Navigator struct {
	guard  *Guard
	cancel func()

	mu         sync.Mutex
	location   string
	onRedirect func(Redirect)
}

// NewNavigator starts at start (checked like any other navigation) and
// subscribes to session changes. Call Close to unsubscribe.
func NewNavigator(g *Guard, start string) *Navigator {
	n := &Navigator{guard: g, location: PathHome}
	n.Navigate(start)
	n.cancel = g.session.Subscribe(n.sessionChanged)
	return n
}

// OnRedirect registers fn to be called whenever the navigator is forced
// away from a requested or current view.
func (n *Navigator) OnRedirect(fn func(Redirect)) {
	n.mu.Lock()
	n.onRedirect = fn
	n.mu.Unlock()
}

// Location returns the current path.
func (n *Navigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

// Navigate moves to path if the guard allows it, otherwise to the
// decision's redirect target.
func (n *Navigator) Navigate(path string) Decision {
	decision := n.guard.Check(path)
	n.apply(normalize(path), decision)
	return decision
}

// Close stops following session changes.
func (n *Navigator) Close() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Navigator) sessionChanged(snap session.Snapshot) {
	current := n.Location()
	decision := n.guard.CheckWith(current, snap)
	if !decision.Allowed {
		n.apply(current, decision)
	}
}

func (n *Navigator) apply(requested string, decision Decision) {
	n.mu.Lock()
	from := n.location
	if decision.Allowed {
		n.location = requested
		n.mu.Unlock()
		return
	}
	n.location = decision.Redirect
	hook := n.onRedirect
	n.mu.Unlock()

	if hook != nil {
		hook(Redirect{From: from, Requested: requested, To: decision.Redirect, Decision: decision})
	}
}
