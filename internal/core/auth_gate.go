package core

import (
	"log"
	"sync"

	"tiletalk.app/tiletalk/internal/session"
)

type GateState string

const (
	GateResolving       GateState = "resolving"
	GateAuthenticated   GateState = "authenticated"
	GateUnauthenticated GateState = "unauthenticated"
)

// SessionSource reports session changes, starting with the initial one once
// it is known.
type SessionSource interface {
	Observe(cb func(*session.Session)) (unobserve func())
}

// MountFunc builds whatever needs a signed-in user and returns its teardown.
type MountFunc func(sess *session.Session) (teardown func(), err error)

// AuthGate mounts session-scoped view-models once the identity is resolved
// and tears them down when the user signs out. Nothing is mounted while the
// gate is resolving.
type AuthGate struct {
	mount    MountFunc
	onChange func(GateState, *session.Session)

	// transition serializes callbacks so mounts never interleave.
	transition sync.Mutex

	mu        sync.Mutex
	state     GateState
	session   *session.Session
	teardown  func()
	closed    bool
	unobserve func()
}

// NewAuthGate starts observing src. onChange may be nil.
func NewAuthGate(src SessionSource, mount MountFunc, onChange func(GateState, *session.Session)) *AuthGate {
	g := &AuthGate{
		mount:    mount,
		onChange: onChange,
		state:    GateResolving,
	}
	unobserve := src.Observe(g.handle)

	g.mu.Lock()
	g.unobserve = unobserve
	g.mu.Unlock()
	return g
}

func (g *AuthGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns the mounted session, or nil unless authenticated.
func (g *AuthGate) Session() *session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *AuthGate) handle(sess *session.Session) {
	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	teardown := g.teardown
	g.teardown = nil
	g.session = nil
	g.mu.Unlock()

	if teardown != nil {
		teardown()
	}

	state := GateUnauthenticated
	var mounted func()
	if sess != nil {
		var err error
		mounted, err = g.mount(sess)
		if err != nil {
			log.Printf("[gate] failed to mount session for %s: %v", sess.ExternalID, err)
			sess = nil
		} else {
			state = GateAuthenticated
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		if mounted != nil {
			mounted()
		}
		return
	}
	g.state = state
	g.session = sess
	g.teardown = mounted
	g.mu.Unlock()

	if g.onChange != nil {
		g.onChange(state, sess)
	}
}

// Close stops observing and tears down anything mounted.
func (g *AuthGate) Close() {
	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	teardown := g.teardown
	unobserve := g.unobserve
	g.teardown = nil
	g.session = nil
	g.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if teardown != nil {
		teardown()
	}
}
