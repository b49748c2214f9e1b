// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentcanvas/agentcanvas/pkg/allowlist"
	"github.com/agentcanvas/agentcanvas/pkg/idp"
	"github.com/agentcanvas/agentcanvas/pkg/kvstore"
	"github.com/agentcanvas/agentcanvas/pkg/magiclink"
	"github.com/agentcanvas/agentcanvas/pkg/ratelimit"
	"github.com/agentcanvas/agentcanvas/pkg/session"
	"github.com/agentcanvas/agentcanvas/pkg/tokens"
)

const (
	testAppOrigin = "http://app.test"
	testSecret    = "0123456789abcdef0123456789abcdef"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		var err error
		signingKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return signingKey
}

// fakeIDP imitates the upstream identity provider. Responses are
// configured per test; zero values yield a successful happy path.
type fakeIDP struct {
	srv *httptest.Server

	mu            sync.Mutex
	exchangeCalls int
	refreshCalls  int

	tokenStatus       int
	tokenBody         map[string]any
	membershipsStatus int
	membershipsBody   map[string]any
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	f := &fakeIDP{
		tokenStatus: http.StatusOK,
		tokenBody: map[string]any{
			"user": map[string]any{
				"id":         "user-123",
				"email":      "alice@example.com",
				"first_name": "Alice",
				"last_name":  "Smith",
			},
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"id_token":      "upstream-id-token",
			"expires_in":    3600,
		},
		membershipsStatus: http.StatusOK,
		membershipsBody: map[string]any{
			"data": []map[string]any{
				{"organization_id": "org-1", "role": map[string]any{"slug": "admin"}},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/authenticate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			f.refreshCalls++
		default:
			f.exchangeCalls++
		}
		status, body := f.tokenStatus, f.tokenBody
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/memberships", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		status, body := f.membershipsStatus, f.membershipsBody
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIDP) ExchangeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls
}

func (f *fakeIDP) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// captureMailer records issued links instead of sending them.
type captureMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *captureMailer) Send(_ context.Context, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

func (m *captureMailer) Links() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links...)
}

type testEnv struct {
	server *Server
	router http.Handler
	mr     *miniredis.Miniredis
	idp    *fakeIDP
	codec  *session.Codec
	mailer *captureMailer
}

type envConfig struct {
	staticEmails     []string
	superAdminEmails []string
}

func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return testNow }

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreWithClient(ctx, client, "test:", false)
	require.NoError(t, err)
	require.True(t, store.Atomic())

	codec, err := session.NewCodec(testSecret, session.WithCodecClock(clock))
	require.NoError(t, err)

	fake := newFakeIDP(t)
	idpClient, err := idp.NewClient(&idp.Config{
		ClientID:             "client-id",
		ClientSecret:         "client-secret",
		AuthorizeEndpoint:    fake.srv.URL + "/authorize",
		AuthenticateEndpoint: fake.srv.URL + "/authenticate",
		MembershipsEndpoint:  fake.srv.URL + "/memberships",
		RedirectURI:          testAppOrigin + "/auth/callback",
	})
	require.NoError(t, err)

	magic, err := magiclink.NewService(store, testAppOrigin, magiclink.WithClock(clock))
	require.NoError(t, err)

	issuer, err := tokens.NewIssuer(testSigningKey(t), testAppOrigin, "agentcanvas",
		tokens.WithClock(clock))
	require.NoError(t, err)

	mailer := &captureMailer{}
	srv, err := New(Deps{
		Codec:            codec,
		Jar:              session.NewJar(false),
		IDP:              idpClient,
		Gate:             allowlist.NewGate(store, cfg.staticEmails, allowlist.WithClock(clock)),
		MagicLinks:       magic,
		Limiter:          ratelimit.NewLimiter(store, ratelimit.WithClock(clock)),
		Issuer:           issuer,
		Mailer:           mailer,
		AppOrigin:        testAppOrigin,
		SuperAdminEmails: cfg.superAdminEmails,
	}, WithClock(clock))
	require.NoError(t, err)

	return &testEnv{
		server: srv,
		router: srv.Router(),
		mr:     mr,
		idp:    fake,
		codec:  codec,
		mailer: mailer,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// sessionCookie encrypts the given payload and wraps it in a cookie,
// as if set during a previous sign-in.
func (e *testEnv) sessionCookie(t *testing.T, data *session.Data) *http.Cookie {
	t.Helper()
	encrypted, err := e.codec.Encrypt(data)
	require.NoError(t, err)
	return &http.Cookie{Name: session.SessionCookieName, Value: encrypted}
}

func (e *testEnv) signedInSession() *session.Data {
	return &session.Data{
		User:         session.User{ID: "user-123", Email: "alice@example.com", Name: "Alice Smith"},
		Orgs:         []session.OrgClaim{{ID: "org-1", Role: "admin"}},
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		IDToken:      "upstream-id-token",
		ExpiresAt:    testNow.Add(session.DefaultTTL),
	}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func jsonBody(body string) *strings.Reader {
	return strings.NewReader(body)
}
