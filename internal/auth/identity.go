package auth

import (
	"context"
	"sync"
	"time"

	"tiletalk.app/tiletalk/internal/session"
)

// Identity tracks the signed-in user of a single client and notifies
// observers whenever that changes.
type Identity struct {
	svc *Service

	mu        sync.Mutex
	current   *session.Session
	resolved  bool
	observers map[int]func(*session.Session)
	nextID    int
	expiry    *time.Timer
}

func NewIdentity(svc *Service) *Identity {
	return &Identity{
		svc:       svc,
		observers: make(map[int]func(*session.Session)),
	}
}

// CurrentSession returns the active session, or nil when signed out or expired.
func (i *Identity) CurrentSession() *session.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current.Expired(time.Now()) {
		return nil
	}
	return i.current
}

// Observe registers cb for session changes. If the initial session has
// already been resolved, cb is invoked immediately with it.
func (i *Identity) Observe(cb func(*session.Session)) (unobserve func()) {
	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.observers[id] = cb
	resolved, current := i.resolved, i.current
	i.mu.Unlock()

	if resolved {
		cb(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.observers, id)
			i.mu.Unlock()
		})
	}
}

// Restore resolves the initial session from a previously issued token. An
// empty or invalid token resolves to signed out.
func (i *Identity) Restore(ctx context.Context, token string) error {
	var sess *session.Session
	var err error
	if token != "" {
		sess, err = i.svc.Resolve(ctx, token)
	}
	i.set(sess)
	return err
}

// SignIn replaces the current session on success. On failure the current
// state is left as it was.
func (i *Identity) SignIn(ctx context.Context, identifier, secret string) (*session.Session, error) {
	sess, err := i.svc.SignIn(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	i.set(sess)
	return sess, nil
}

// Adopt switches to the session behind a token issued elsewhere, such as by
// the login endpoint. An invalid token leaves the current state untouched.
func (i *Identity) Adopt(ctx context.Context, token string) (*session.Session, error) {
	sess, err := i.svc.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	i.set(sess)
	return sess, nil
}

func (i *Identity) SignUp(ctx context.Context, identifier, secret string) (*session.Session, error) {
	sess, err := i.svc.SignUp(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	i.set(sess)
	return sess, nil
}

func (i *Identity) SignOut() {
	i.set(nil)
}

// Close stops the expiry timer of the current session.
func (i *Identity) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.expiry != nil {
		i.expiry.Stop()
		i.expiry = nil
	}
}

func (i *Identity) set(sess *session.Session) {
	i.mu.Lock()
	callbacks := i.setLocked(sess)
	i.mu.Unlock()

	for _, cb := range callbacks {
		cb(sess)
	}
}

// expire signs out when sess is still the current session at its expiry.
func (i *Identity) expire(sess *session.Session) {
	i.mu.Lock()
	if i.current != sess {
		i.mu.Unlock()
		return
	}
	callbacks := i.setLocked(nil)
	i.mu.Unlock()

	for _, cb := range callbacks {
		cb(nil)
	}
}

func (i *Identity) setLocked(sess *session.Session) []func(*session.Session) {
	i.current = sess
	i.resolved = true
	if i.expiry != nil {
		i.expiry.Stop()
		i.expiry = nil
	}
	if sess != nil && !sess.ExpiresAt.IsZero() {
		i.expiry = time.AfterFunc(time.Until(sess.ExpiresAt), func() { i.expire(sess) })
	}

	callbacks := make([]func(*session.Session), 0, len(i.observers))
	for _, cb := range i.observers {
		callbacks = append(callbacks, cb)
	}
	return callbacks
}
