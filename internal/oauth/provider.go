package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"google.golang.org/api/idtoken"

	"identity-service/internal/config"
)

var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	ErrTokenRejected   = errors.New("provider rejected token")
)

// Profile is the normalized identity a provider vouches for.
type Profile struct {
	Provider  string
	Subject   string
	Email     string
	FirstName string
	LastName  string
}

// Strategy verifies a provider-issued assertion and returns the
// profile it attests to.
type Strategy interface {
	Provider() string
	Exchange(ctx context.Context, assertion string) (*Profile, error)
}

// Dispatcher routes a login to the strategy configured for the named
// provider. Strategies are wired explicitly at construction; there is
// no ambient registry.
type Dispatcher struct {
	strategies map[string]Strategy
}

func NewDispatcher(strategies ...Strategy) *Dispatcher {
	m := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.Provider()] = s
	}
	return &Dispatcher{strategies: m}
}

func (d *Dispatcher) Exchange(ctx context.Context, provider, assertion string) (*Profile, error) {
	strategy, ok := d.strategies[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return strategy.Exchange(ctx, assertion)
}

func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.strategies))
	for name := range d.strategies {
		names = append(names, name)
	}
	return names
}

// -------------------- GOOGLE --------------------

// GoogleStrategy validates Google ID tokens against the configured
// client ID.
type GoogleStrategy struct {
	clientID string
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewGoogleStrategy(cfg *config.Config) *GoogleStrategy {
	return &GoogleStrategy{
		clientID: cfg.OAuth.Google.ClientID,
		validate: idtoken.Validate,
	}
}

func (s *GoogleStrategy) Provider() string { return "google" }

func (s *GoogleStrategy) Exchange(ctx context.Context, assertion string) (*Profile, error) {
	payload, err := s.validate(ctx, assertion, s.clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	profile := &Profile{
		Provider: s.Provider(),
		Subject:  payload.Subject,
	}
	if email, ok := payload.Claims["email"].(string); ok {
		profile.Email = email
	}
	if given, ok := payload.Claims["given_name"].(string); ok {
		profile.FirstName = given
	}
	if family, ok := payload.Claims["family_name"].(string); ok {
		profile.LastName = family
	}

	if profile.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenRejected)
	}

	return profile, nil
}

// -------------------- FACEBOOK --------------------

const facebookGraphURL = "https://graph.facebook.com/v19.0/me"

// FacebookStrategy resolves a user access token through the Graph API.
type FacebookStrategy struct {
	graphURL string
	client   *http.Client
}

func NewFacebookStrategy(cfg *config.Config) *FacebookStrategy {
	return &FacebookStrategy{
		graphURL: facebookGraphURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *FacebookStrategy) Provider() string { return "facebook" }

type facebookProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *FacebookStrategy) Exchange(ctx context.Context, assertion string) (*Profile, error) {
	query := url.Values{}
	query.Set("fields", "id,email,first_name,last_name")
	query.Set("access_token", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.graphURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: graph api returned %d: %s", ErrTokenRejected, resp.StatusCode, body)
	}

	fb := &facebookProfile{}
	if err := json.NewDecoder(resp.Body).Decode(fb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	if fb.ID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenRejected)
	}

	return &Profile{
		Provider:  s.Provider(),
		Subject:   fb.ID,
		Email:     fb.Email,
		FirstName: fb.FirstName,
		LastName:  fb.LastName,
	}, nil
}
