package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

func TestStaticAuthenticate(t *testing.T) {
	t.Parallel()

	a := NewStatic(map[string]string{"dev-token": "user-1", " ": "ignored", "orphan": ""})

	id, err := a.Authenticate(context.Background(), "dev-token")
	require.NoError(t, err)
	require.Equal(t, "user-1", id.UserID)

	for _, token := range []string{"", "wrong", "orphan"} {
		_, err := a.Authenticate(context.Background(), token)
		require.ErrorIs(t, err, scrape.ErrUnauthenticated, token)
	}
}

func newSupabaseServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/user", r.URL.Path)
		require.Equal(t, "anon-key", r.Header.Get("apikey"))
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"8f2c","email":"owner@example.com","role":"authenticated"}`))
		case "Bearer broken":
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSupabaseAuthenticate(t *testing.T) {
	t.Parallel()

	srv := newSupabaseServer(t)
	a, err := NewSupabase(SupabaseConfig{URL: srv.URL + "/", APIKey: "anon-key"}, srv.Client())
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, scrape.Identity{UserID: "8f2c", Email: "owner@example.com"}, id)

	_, err = a.Authenticate(context.Background(), "expired")
	require.ErrorIs(t, err, scrape.ErrUnauthenticated)

	_, err = a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, scrape.ErrUnauthenticated)

	_, err = a.Authenticate(context.Background(), "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, scrape.ErrUnauthenticated)
	require.Contains(t, err.Error(), "502")
}

func TestNewSupabaseValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSupabase(SupabaseConfig{APIKey: "k"}, nil)
	require.Error(t, err)
	_, err = NewSupabase(SupabaseConfig{URL: "https://x.supabase.co"}, nil)
	require.Error(t, err)
	a, err := NewSupabase(SupabaseConfig{URL: "https://x.supabase.co", APIKey: "k"}, nil)
	require.NoError(t, err)
	require.NotNil(t, a.client)
}
