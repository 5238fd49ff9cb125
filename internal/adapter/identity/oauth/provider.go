// Package oauth exchanges OAuth2 authorization codes for verified identities.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/port"
)

var validate = validator.New()

const maxBody = 1 << 20

// Decoder turns a userinfo response body into an identity. fetch issues
// follow-up GETs with the authorized client.
type Decoder func(ctx context.Context, body []byte, fetch func(ctx context.Context, url string) ([]byte, error)) (domain.VerifiedIdentity, error)

type Provider struct {
	name        string
	cfg         *oauth2.Config
	userInfoURL string
	decode      Decoder
}

func New(name string, cfg *oauth2.Config, userInfoURL string, decode Decoder) *Provider {
	return &Provider{name: name, cfg: cfg, userInfoURL: userInfoURL, decode: decode}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *Provider) ExchangeCode(ctx context.Context, code string) (domain.VerifiedIdentity, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return domain.VerifiedIdentity{}, fmt.Errorf("%s: exchange code: %w", p.name, err)
	}
	client := p.cfg.Client(ctx, tok)
	fetch := func(ctx context.Context, url string) ([]byte, error) {
		return get(ctx, client, url)
	}
	body, err := fetch(ctx, p.userInfoURL)
	if err != nil {
		return domain.VerifiedIdentity{}, fmt.Errorf("%s: userinfo: %w", p.name, err)
	}
	id, err := p.decode(ctx, body, fetch)
	if err != nil {
		return domain.VerifiedIdentity{}, fmt.Errorf("%s: %w", p.name, err)
	}
	id.Provider = p.name
	if err := validate.Struct(id); err != nil {
		return domain.VerifiedIdentity{}, fmt.Errorf("%s: incomplete identity: %w", p.name, err)
	}
	return id, nil
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// Google builds the Google OpenID Connect provider.
func Google(clientID, clientSecret, redirectURL string) *Provider {
	return New("google", &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       []string{"openid", "email", "profile"},
	}, "https://openidconnect.googleapis.com/v1/userinfo", DecodeGoogle)
}

// DecodeGoogle reads an OpenID Connect userinfo document. Unverified
// addresses are rejected.
func DecodeGoogle(_ context.Context, body []byte, _ func(context.Context, string) ([]byte, error)) (domain.VerifiedIdentity, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.VerifiedIdentity{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if !info.EmailVerified {
		return domain.VerifiedIdentity{}, fmt.Errorf("email %q not verified", info.Email)
	}
	return domain.VerifiedIdentity{ExternalID: info.Sub, Email: info.Email, Name: info.Name}, nil
}

// GitHub builds the GitHub provider.
func GitHub(clientID, clientSecret, redirectURL string) *Provider {
	return New("github", &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.GitHub,
		Scopes:       []string{"read:user", "user:email"},
	}, "https://api.github.com/user", GitHubDecoder("https://api.github.com/user/emails"))
}

// GitHubDecoder reads /user and, when the profile hides its address, picks
// the primary verified one from emailsURL.
func GitHubDecoder(emailsURL string) Decoder {
	return func(ctx context.Context, body []byte, fetch func(context.Context, string) ([]byte, error)) (domain.VerifiedIdentity, error) {
		var user struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(body, &user); err != nil {
			return domain.VerifiedIdentity{}, fmt.Errorf("decode user: %w", err)
		}
		raw, err := fetch(ctx, emailsURL)
		if err != nil {
			return domain.VerifiedIdentity{}, fmt.Errorf("emails: %w", err)
		}
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := json.Unmarshal(raw, &emails); err != nil {
			return domain.VerifiedIdentity{}, fmt.Errorf("decode emails: %w", err)
		}
		name := user.Name
		if name == "" {
			name = user.Login
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				return domain.VerifiedIdentity{ExternalID: strconv.FormatInt(user.ID, 10), Email: e.Email, Name: name}, nil
			}
		}
		return domain.VerifiedIdentity{}, fmt.Errorf("no verified primary email")
	}
}

var _ port.IdentityProvider = (*Provider)(nil)
