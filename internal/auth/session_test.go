package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/store"
	"github.com/haseeb302/finance-bot/internal/testdata"
)

type fakeBackend struct {
	meCalls atomic.Int64

	signIn func(email, password string) (api.TokenPair, error)
	me     func() (api.User, error)
	logout func() error
}

func (f *fakeBackend) SignIn(ctx context.Context, email, password string) (api.TokenPair, error) {
	if f.signIn == nil {
		return api.TokenPair{}, errors.New("signIn not stubbed")
	}
	return f.signIn(email, password)
}

func (f *fakeBackend) Me(ctx context.Context) (api.User, error) {
	f.meCalls.Add(1)
	if f.me == nil {
		return api.User{}, errors.New("me not stubbed")
	}
	return f.me()
}

func (f *fakeBackend) Logout(ctx context.Context) error {
	if f.logout == nil {
		return nil
	}
	return f.logout()
}

func (f *fakeBackend) ForgotPassword(ctx context.Context, email string) error { return nil }

func (f *fakeBackend) ResetPassword(ctx context.Context, token, newPassword string) error {
	return nil
}

func setupSession(t *testing.T, backend *fakeBackend) (*Session, *Guard, *memKV) {
	t.Helper()
	kv := newMemKV()
	g := NewGuard(nil, &fakeRefresher{}, kv)
	return NewSession(backend, g, kv), g, kv
}

func seedPersisted(t *testing.T, kv *memKV, u api.User, pair api.TokenPair) {
	t.Helper()
	rawUser, err := json.Marshal(u)
	require.NoError(t, err)
	require.NoError(t, kv.Set("auth.user", rawUser))
	rawPair, err := json.Marshal(pair)
	require.NoError(t, err)
	require.NoError(t, kv.Set("auth.tokens", rawPair))
}

func TestSession_InitializeRestoresAndRefreshesUser(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	cached := testdata.User()
	cached.FullName = "Old Name"
	fresh := testdata.User()

	backend := &fakeBackend{me: func() (api.User, error) { return fresh, nil }}
	s, g, kv := setupSession(t, backend)
	seedPersisted(t, kv, cached, testdata.Pair("sam", time.Now().Add(30*time.Minute)))

	require.True(t, s.Initializing())
	require.NoError(t, s.Initialize(ctx))
	require.False(t, s.Initializing())

	require.True(t, s.Authenticated())
	// the cached copy is only a hint; the backend's answer wins
	require.Equal(t, fresh.FullName, s.User().FullName)
	_, ok := g.Pair()
	require.True(t, ok)
}

func TestSession_InitializeWithNothingPersisted(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{}
	s, _, _ := setupSession(t, backend)

	require.NoError(t, s.Initialize(ctx))
	require.False(t, s.Initializing())
	require.False(t, s.Authenticated())
	require.EqualValues(t, 0, backend.meCalls.Load())
}

func TestSession_InitializeDiscardsCorruptEntries(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{}
	s, _, kv := setupSession(t, backend)
	require.NoError(t, kv.Set("auth.user", []byte("{")))
	rawPair, err := json.Marshal(testdata.Pair("sam", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, kv.Set("auth.tokens", rawPair))

	require.NoError(t, s.Initialize(ctx))
	require.False(t, s.Authenticated())
	require.EqualValues(t, 0, backend.meCalls.Load())

	_, err = kv.Get("auth.user")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = kv.Get("auth.tokens")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_InitializeDiscardsOrphanedUser(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{}
	s, _, kv := setupSession(t, backend)
	rawUser, err := json.Marshal(testdata.User())
	require.NoError(t, err)
	require.NoError(t, kv.Set("auth.user", rawUser)) // user without tokens

	require.NoError(t, s.Initialize(ctx))
	require.False(t, s.Authenticated())
	_, err = kv.Get("auth.user")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_InitializeRejectedByBackend(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{me: func() (api.User, error) {
		return api.User{}, &api.AuthError{StatusCode: 401, Detail: "Could not validate credentials"}
	}}
	s, g, kv := setupSession(t, backend)
	seedPersisted(t, kv, testdata.User(), testdata.Pair("sam", time.Now().Add(time.Hour)))

	err := s.Initialize(ctx)
	require.True(t, api.IsAuthError(err))
	require.False(t, s.Initializing())
	require.False(t, s.Authenticated())

	_, ok := g.Pair()
	require.False(t, ok)
	_, err = kv.Get("auth.tokens")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_SignInPersistsSession(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	pair := testdata.Pair("sam", time.Now().Add(30*time.Minute))
	backend := &fakeBackend{
		signIn: func(email, password string) (api.TokenPair, error) {
			require.Equal(t, "sam@example.com", email)
			return pair, nil
		},
		me: func() (api.User, error) { return testdata.User(), nil },
	}
	s, g, kv := setupSession(t, backend)

	u, err := s.SignIn(ctx, "sam@example.com", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "sam@example.com", u.Email)
	require.True(t, s.Authenticated())

	got, ok := g.Pair()
	require.True(t, ok)
	require.Equal(t, pair.AccessToken, got.AccessToken)

	rawUser, err := kv.Get("auth.user")
	require.NoError(t, err)
	var persisted api.User
	require.NoError(t, json.Unmarshal(rawUser, &persisted))
	require.Equal(t, "sam@example.com", persisted.Email)
	_, err = kv.Get("auth.tokens")
	require.NoError(t, err)
}

func TestSession_SignInRollsBackWhenProfileFetchFails(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{
		signIn: func(email, password string) (api.TokenPair, error) {
			return testdata.Pair("sam", time.Now().Add(time.Hour)), nil
		},
		me: func() (api.User, error) {
			return api.User{}, &api.ServerError{StatusCode: 500, Detail: "profile lookup failed"}
		},
	}
	s, g, kv := setupSession(t, backend)

	_, err := s.SignIn(ctx, "sam@example.com", "hunter2")
	require.True(t, api.IsServerError(err))
	require.False(t, s.Authenticated())

	_, ok := g.Pair()
	require.False(t, ok)
	_, err = kv.Get("auth.tokens")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_SignOutClearsEvenWhenBackendErrors(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{
		signIn: func(email, password string) (api.TokenPair, error) {
			return testdata.Pair("sam", time.Now().Add(time.Hour)), nil
		},
		me:     func() (api.User, error) { return testdata.User(), nil },
		logout: func() error { return &api.NetworkError{Detail: "connection refused"} },
	}
	s, g, kv := setupSession(t, backend)

	_, err := s.SignIn(ctx, "sam@example.com", "hunter2")
	require.NoError(t, err)

	s.SignOut(ctx)
	require.False(t, s.Authenticated())
	_, ok := g.Pair()
	require.False(t, ok)
	_, err = kv.Get("auth.user")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_SignInSupersedesSlowInitialize(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	release := make(chan struct{})
	var probe atomic.Bool
	probe.Store(true)
	backend := &fakeBackend{
		signIn: func(email, password string) (api.TokenPair, error) {
			return testdata.Pair("sam", time.Now().Add(time.Hour)), nil
		},
		me: func() (api.User, error) {
			if probe.CompareAndSwap(true, false) {
				// the Initialize probe: stall until the user has signed in, then fail
				<-release
				return api.User{}, &api.AuthError{StatusCode: 401, Detail: "Token expired"}
			}
			return testdata.User(), nil
		},
	}

	s, g, kv := setupSession(t, backend)
	seedPersisted(t, kv, testdata.User(), testdata.Pair("sam", time.Now().Add(-time.Hour)))

	done := make(chan error, 1)
	go func() { done <- s.Initialize(ctx) }()
	require.Eventually(t, func() bool { return backend.meCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.SignIn(ctx, "sam@example.com", "hunter2")
	require.NoError(t, err)
	t.Log("fresh sign-in landed while the restore was still in flight")

	close(release)
	require.Error(t, <-done)

	// the stale restore must not tear down the session that replaced it
	require.True(t, s.Authenticated())
	_, ok := g.Pair()
	require.True(t, ok)
	_, err = kv.Get("auth.tokens")
	require.NoError(t, err)
	_, err = kv.Get("auth.user")
	require.NoError(t, err)
}

func TestSession_ExpireDropsUser(t *testing.T) {
	t.Parallel()
	ctx := guardContext(t)

	backend := &fakeBackend{
		signIn: func(email, password string) (api.TokenPair, error) {
			return testdata.Pair("sam", time.Now().Add(time.Hour)), nil
		},
		me: func() (api.User, error) { return testdata.User(), nil },
	}
	s, _, _ := setupSession(t, backend)

	_, err := s.SignIn(ctx, "sam@example.com", "hunter2")
	require.NoError(t, err)
	require.True(t, s.Authenticated())

	s.Expire()
	require.False(t, s.Authenticated())
	require.Nil(t, s.User())
}
