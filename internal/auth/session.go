package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/store"
)

// Backend is the slice of the API surface the session flows use.
type Backend interface {
	SignIn(ctx context.Context, email, password string) (api.TokenPair, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (api.User, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// Session tracks the signed-in user. At startup Initialize restores a
// persisted session and validates it against the backend; sign-in and
// sign-out keep the guard and the persisted user in step.
type Session struct {
	backend Backend
	guard   *Guard
	kv      store.KV

	mu           sync.RWMutex
	user         *api.User
	initializing bool
	// gen increments on every sign-in/sign-out so a slow Initialize
	// cannot clobber a session the user established while it ran.
	gen uint64
}

func NewSession(backend Backend, guard *Guard, kv store.KV) *Session {
	return &Session{backend: backend, guard: guard, kv: kv, initializing: true}
}

// Initialize restores the persisted (user, token pair) and validates it
// with a current-user call. On success the freshly fetched user becomes
// the session user; the cached copy is only a hint that a session was
// saved. On any failure both persisted entries are cleared and the
// session stays absent. The initializing flag drops exactly once, on
// every exit path.
func (s *Session) Initialize(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.initializing = false
		s.mu.Unlock()
	}()

	s.mu.RLock()
	startGen := s.gen
	s.mu.RUnlock()

	raw, err := s.kv.Get(userKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.discardPersisted(startGen)
		return nil
	}
	var cached api.User
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.discardPersisted(startGen)
		return nil
	}
	if _, err := s.guard.loadPair(); err != nil {
		s.discardPersisted(startGen)
		return nil
	}

	me, err := s.backend.Me(ctx)
	if err != nil {
		s.discardPersisted(startGen)
		return api.Normalize(err)
	}

	s.mu.Lock()
	if s.gen == startGen {
		s.user = &me
	}
	s.mu.Unlock()
	return nil
}

// discardPersisted clears the stored session unless a sign-in or
// sign-out superseded the bootstrap while it was running.
func (s *Session) discardPersisted(startGen uint64) {
	s.mu.Lock()
	stale := s.gen != startGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.guard.ClearSession()
}

// SignIn exchanges credentials for a token pair, validates it with a
// current-user call, and persists both. The backend treats signin as
// login-or-register, so a new email creates an account.
func (s *Session) SignIn(ctx context.Context, email, password string) (api.User, error) {
	pair, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		return api.User{}, api.Normalize(err)
	}
	if err := s.guard.SetPair(pair); err != nil {
		return api.User{}, err
	}
	me, err := s.backend.Me(ctx)
	if err != nil {
		s.guard.ClearSession()
		return api.User{}, api.Normalize(err)
	}
	if err := s.persistUser(me); err != nil {
		return api.User{}, err
	}
	s.mu.Lock()
	s.user = &me
	s.gen++
	s.mu.Unlock()
	return me, nil
}

// SignOut tells the backend, then clears local state regardless of the
// backend's answer. The user ends up signed out either way.
func (s *Session) SignOut(ctx context.Context) {
	_ = s.backend.Logout(ctx)
	s.guard.ClearSession()
	s.mu.Lock()
	s.user = nil
	s.gen++
	s.mu.Unlock()
}

func (s *Session) ForgotPassword(ctx context.Context, email string) error {
	if err := s.backend.ForgotPassword(ctx, email); err != nil {
		return api.Normalize(err)
	}
	return nil
}

func (s *Session) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.backend.ResetPassword(ctx, token, newPassword); err != nil {
		return api.Normalize(err)
	}
	return nil
}

// Expire drops the local session after the guard reported a failed
// refresh. The guard has already cleared persisted state.
func (s *Session) Expire() {
	s.mu.Lock()
	s.user = nil
	s.gen++
	s.mu.Unlock()
}

// User returns the signed-in user, or nil.
func (s *Session) User() *api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Initializing reports whether the startup restore is still running.
func (s *Session) Initializing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initializing
}

func (s *Session) persistUser(u api.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("auth: encode user: %w", err)
	}
	if err := s.kv.Set(userKey, raw); err != nil {
		return fmt.Errorf("auth: persist user: %w", err)
	}
	return nil
}
