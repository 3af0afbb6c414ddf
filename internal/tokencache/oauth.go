package tokencache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/resilience"
)

// OAuthRefresher exchanges a refresh token for short-lived access tokens.
type OAuthRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	Retry        resilience.RetryConfig
	Now          func() time.Time

	mu           sync.Mutex
	refreshToken string
}

// NewOAuthRefresher builds a refresher from config. 429 responses are
// retried with exponential backoff.
func NewOAuthRefresher(cfg config.OAuthConfig) *OAuthRefresher {
	return &OAuthRefresher{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		Retry:        resilience.FromOAuthConfig(cfg),
		Now:          time.Now,
		refreshToken: cfg.RefreshToken,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Fetch performs the refresh-token grant. A rotated refresh token in the
// response replaces the stored one.
func (o *OAuthRefresher) Fetch(ctx context.Context) (Token, error) {
	return resilience.DoVal(ctx, o.Retry, o.fetchOnce)
}

func (o *OAuthRefresher) fetchOnce(ctx context.Context) (Token, error) {
	o.mu.Lock()
	refresh := o.refreshToken
	o.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {o.ClientID},
	}
	if o.ClientSecret != "" {
		form.Set("client_secret", o.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, eris.Wrap(err, "oauth: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return Token{}, eris.Wrap(err, "oauth: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, eris.Wrap(err, "oauth: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, resilience.HTTPError("oauth", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, eris.Wrap(err, "oauth: unmarshal response")
	}
	if tr.AccessToken == "" {
		return Token{}, eris.New("oauth: response missing access_token")
	}

	if tr.RefreshToken != "" {
		o.mu.Lock()
		o.refreshToken = tr.RefreshToken
		o.mu.Unlock()
	}

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	tok := Token{Value: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
