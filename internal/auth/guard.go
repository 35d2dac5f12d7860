// Package auth keeps the token pair alive and the signed-in user loaded.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/store"
)

const (
	tokensKey = "auth.tokens"
	userKey   = "auth.user"

	refreshTimeout = 10 * time.Second
)

// exemptPaths are credential endpoints; the guard never attaches a token
// to them and never reacts to their 401s.
var exemptPaths = map[string]struct{}{
	"/auth/login":           {},
	"/auth/register":        {},
	"/auth/signin":          {},
	"/auth/forgot-password": {},
	"/auth/reset-password":  {},
}

// Refresher exchanges a refresh token for a new pair. It must reach the
// backend without going through the Guard, or a dead session would
// recurse forever.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error)
}

// Guard is an http.RoundTripper that attaches the bearer token, and on a
// 401 refreshes the pair once and replays the request once. Concurrent
// 401s share a single refresh call.
type Guard struct {
	base      http.RoundTripper
	refresher Refresher
	kv        store.KV

	mu        sync.RWMutex
	pair      *api.TokenPair
	onExpired func()

	group singleflight.Group
}

// NewGuard wraps base. A nil base means http.DefaultTransport.
func NewGuard(base http.RoundTripper, refresher Refresher, kv store.KV) *Guard {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Guard{base: base, refresher: refresher, kv: kv}
}

// OnSessionExpired registers the hook fired after a failed refresh has
// cleared the session.
func (g *Guard) OnSessionExpired(fn func()) {
	g.mu.Lock()
	g.onExpired = fn
	g.mu.Unlock()
}

func (g *Guard) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, exempt := exemptPaths[req.URL.Path]; exempt {
		return g.base.RoundTrip(req)
	}

	access, ok := g.accessToken()
	if !ok {
		// No stored pair: send as-is and let a 401 pass through. The
		// expiry hook only fires for sessions we actually held.
		return g.base.RoundTrip(req)
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+access)
	resp, err := g.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || wasRetried(req.Context()) {
		return resp, nil
	}

	fresh, refreshErr := g.refresh(req.Context())
	if refreshErr != nil {
		g.expire()
		return resp, nil
	}

	replay, rewindErr := rewind(withRetried(req.Context()), req)
	if rewindErr != nil {
		return resp, nil
	}
	drain(resp)
	replay.Header.Set("Authorization", "Bearer "+fresh)
	return g.base.RoundTrip(replay)
}

// refresh runs at most one refresh call at a time; every 401 arriving
// while it is in flight waits for the same result.
func (g *Guard) refresh(ctx context.Context) (string, error) {
	v, err, _ := g.group.Do("refresh", func() (any, error) {
		g.mu.RLock()
		pair := g.pair
		g.mu.RUnlock()
		if pair == nil {
			return nil, errors.New("no session")
		}
		// Detached from the triggering request: one canceled caller must
		// not kill the refresh the other waiters share.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		next, err := g.refresher.Refresh(rctx, pair.RefreshToken)
		if err != nil {
			return nil, err
		}
		if err := g.SetPair(next); err != nil {
			return nil, err
		}
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// expire clears the persisted session and fires the expiry hook.
func (g *Guard) expire() {
	g.ClearSession()
	g.mu.RLock()
	fn := g.onExpired
	g.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetPair persists the pair and makes it the one the guard attaches.
func (g *Guard) SetPair(pair api.TokenPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("auth: encode tokens: %w", err)
	}
	if err := g.kv.Set(tokensKey, raw); err != nil {
		return fmt.Errorf("auth: persist tokens: %w", err)
	}
	g.mu.Lock()
	g.pair = &pair
	g.mu.Unlock()
	return nil
}

// Pair returns a copy of the stored pair, if any.
func (g *Guard) Pair() (api.TokenPair, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pair == nil {
		return api.TokenPair{}, false
	}
	return *g.pair, true
}

// ClearSession drops the in-memory pair and both persisted session keys.
func (g *Guard) ClearSession() {
	g.mu.Lock()
	g.pair = nil
	g.mu.Unlock()
	_ = g.kv.Delete(tokensKey)
	_ = g.kv.Delete(userKey)
}

// loadPair restores a persisted pair into the guard. store.ErrNotFound
// means no session was saved.
func (g *Guard) loadPair() (api.TokenPair, error) {
	raw, err := g.kv.Get(tokensKey)
	if err != nil {
		return api.TokenPair{}, err
	}
	var pair api.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return api.TokenPair{}, fmt.Errorf("auth: decode tokens: %w", err)
	}
	g.mu.Lock()
	g.pair = &pair
	g.mu.Unlock()
	return pair, nil
}

// AccessTokenExpiry reads the exp claim of the stored access token.
// The signature is not checked; the backend stays the authority on
// whether the token is actually good.
func (g *Guard) AccessTokenExpiry() (time.Time, bool) {
	access, ok := g.accessToken()
	if !ok {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (g *Guard) accessToken() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pair == nil || g.pair.AccessToken == "" {
		return "", false
	}
	return g.pair.AccessToken, true
}

// rewind clones req with a replayable body under ctx.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("auth: request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

type ctxKey int

const retriedKey ctxKey = 0

func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey, true)
}

func wasRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey).(bool)
	return v
}
