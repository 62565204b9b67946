package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// SupabaseConfig points at a Supabase project's auth API.
type SupabaseConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Supabase validates access tokens with GET /auth/v1/user.
type Supabase struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NewSupabase constructs a Supabase authenticator. A nil client gets a
// default one bounded by cfg.Timeout.
func NewSupabase(cfg SupabaseConfig, client *http.Client) (*Supabase, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("auth.supabase.url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("auth.supabase.api_key is required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Supabase{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}, nil
}

// Authenticate exchanges the access token for the Supabase user. Rejected
// tokens yield scrape.ErrUnauthenticated; transport failures are returned as-is.
func (s *Supabase) Authenticate(ctx context.Context, token string) (scrape.Identity, error) {
	if token == "" {
		return scrape.Identity{}, scrape.ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return scrape.Identity{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return scrape.Identity{}, fmt.Errorf("call supabase auth: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining only
		return scrape.Identity{}, scrape.ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort detail
		return scrape.Identity{}, fmt.Errorf("supabase auth returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user supabaseUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return scrape.Identity{}, fmt.Errorf("decode supabase user: %w", err)
	}
	if user.ID == "" {
		return scrape.Identity{}, scrape.ErrUnauthenticated
	}
	return scrape.Identity{UserID: user.ID, Email: user.Email}, nil
}
