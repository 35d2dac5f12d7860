package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/store"
	"github.com/haseeb302/finance-bot/internal/testdata"
)

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV { return &memKV{m: map[string][]byte{}} }

func (k *memKV) Get(key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (k *memKV) Set(key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

type fakeRefresher struct {
	calls atomic.Int64
	delay time.Duration
	pair  api.TokenPair
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return api.TokenPair{}, f.err
	}
	return f.pair, nil
}

func setupGuard(t *testing.T, handler http.Handler) (*api.Client, *Guard, *fakeRefresher, *memKV) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ref := &fakeRefresher{}
	kv := newMemKV()
	g := NewGuard(http.DefaultTransport, ref, kv)
	return api.New(srv.URL, api.WithTransport(g)), g, ref, kv
}

func guardContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

const userJSON = `{"id": "u1", "email": "sam@example.com", "username": "sam", "is_active": true, "is_verified": true, "created_at": "2025-03-01T00:00:00"}`

func TestGuard_AttachesBearerToken(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	var seen atomic.Value
	c, g, ref, _ := setupGuard(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(userJSON))
	}))
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "acc-1", RefreshToken: "ref-1"}))

	_, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "Bearer acc-1", seen.Load())
	require.EqualValues(t, 0, ref.calls.Load())
}

func TestGuard_SkipsCredentialEndpoints(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	c, g, _, _ := setupGuard(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"access_token": "acc-2", "refresh_token": "ref-2", "token_type": "bearer", "expires_in": 1800}`))
	}))
	// even a stored (stale) pair must not leak onto a signin
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "stale", RefreshToken: "stale"}))

	_, err := c.SignIn(ctx, "sam@example.com", "hunter2")
	require.NoError(t, err)
}

func TestGuard_PassthroughWhenSignedOut(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	c, g, ref, _ := setupGuard(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail": "Not authenticated"}`))
	}))
	expired := false
	g.OnSessionExpired(func() { expired = true })

	_, err := c.Me(ctx)
	require.True(t, api.IsAuthError(err))
	// a 401 with no session held is not an expiry
	require.EqualValues(t, 0, ref.calls.Load())
	require.False(t, expired)
}

func TestGuard_RefreshesOnceAndReplays(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer acc-new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail": "Token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items": [], "total": 0, "page": 1, "page_size": 20, "has_next": false, "has_previous": false}`))
	})
	c, g, ref, kv := setupGuard(t, handler)
	ref.pair = api.TokenPair{AccessToken: "acc-new", RefreshToken: "ref-new"}
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "acc-old", RefreshToken: "ref-old"}))

	_, err := c.Conversations(ctx, 1, 20)
	require.NoError(t, err)
	t.Log("401 absorbed, replay succeeded")

	require.EqualValues(t, 1, ref.calls.Load())
	require.EqualValues(t, 2, hits.Load()) // original + one replay

	pair, ok := g.Pair()
	require.True(t, ok)
	require.Equal(t, "acc-new", pair.AccessToken)

	raw, err := kv.Get("auth.tokens")
	require.NoError(t, err)
	var persisted api.TokenPair
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Equal(t, "acc-new", persisted.AccessToken)
}

func TestGuard_ReplayCarriesRequestBody(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc-new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail": "Token expired"}`))
			return
		}
		var req api.SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "how do index funds work?", req.Message)
		_, _ = w.Write([]byte(`{"message": {"id": "m1", "conversation_id": "c1", "role": "assistant", "content": "They pool...", "created_at": "2025-06-02T09:01:00"}}`))
	})
	c, g, ref, _ := setupGuard(t, handler)
	ref.pair = api.TokenPair{AccessToken: "acc-new", RefreshToken: "ref-new"}
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "acc-old", RefreshToken: "ref-old"}))

	res, err := c.Send(ctx, api.SendRequest{Message: "how do index funds work?"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	require.Equal(t, "They pool...", res.Message.Content)
}

func TestGuard_ConcurrentBurstSharesOneRefresh(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc-new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail": "Token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items": [], "total": 0, "page": 1, "page_size": 20, "has_next": false, "has_previous": false}`))
	})
	c, g, ref, _ := setupGuard(t, handler)
	ref.pair = api.TokenPair{AccessToken: "acc-new", RefreshToken: "ref-new"}
	ref.delay = 50 * time.Millisecond // hold the refresh open so the burst piles up behind it
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "acc-old", RefreshToken: "ref-old"}))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Messages(ctx, "c1", 1, 20)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, ref.calls.Load())
}

func TestGuard_FailedRefreshClearsSessionAndSignals(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	c, g, ref, kv := setupGuard(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail": "Could not validate credentials"}`))
	}))
	ref.err = &api.AuthError{StatusCode: 401, Detail: "refresh token expired"}
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "acc-old", RefreshToken: "ref-old"}))

	var expired atomic.Int64
	g.OnSessionExpired(func() { expired.Add(1) })

	_, err := c.Me(ctx)
	require.True(t, api.IsAuthError(err))
	require.Equal(t, "Could not validate credentials", api.Detail(err))
	t.Log("original 401 surfaced after the failed refresh")

	require.EqualValues(t, 1, ref.calls.Load())
	require.EqualValues(t, 1, expired.Load())

	_, ok := g.Pair()
	require.False(t, ok)
	_, err = kv.Get("auth.tokens")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = kv.Get("auth.user")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGuard_AccessTokenExpiry(t *testing.T) {
	t.Parallel()

	g := NewGuard(nil, &fakeRefresher{}, newMemKV())
	_, ok := g.AccessTokenExpiry()
	require.False(t, ok)

	exp := time.Now().Add(30 * time.Minute)
	require.NoError(t, g.SetPair(testdata.Pair("sam", exp)))
	got, ok := g.AccessTokenExpiry()
	require.True(t, ok)
	require.WithinDuration(t, exp, got, time.Second)

	// opaque tokens have no readable expiry
	require.NoError(t, g.SetPair(api.TokenPair{AccessToken: "not-a-jwt", RefreshToken: "r"}))
	_, ok = g.AccessTokenExpiry()
	require.False(t, ok)
}
