package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaybot/internal/domain"
)

const (
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = time.Hour
)

// Exchanger performs the service-account JWT-bearer grant against the
// Google OAuth2 token endpoint: it signs a short-lived RS256 assertion
// and trades it for a bearer access token.
type Exchanger struct {
	key    *ServiceAccountKey
	scopes []string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

type ExchangerConfig struct {
	Key      *ServiceAccountKey
	Scopes   []string
	TokenURL string // overrides the key file's token_uri when set
	Client   *http.Client
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewExchanger(cfg ExchangerConfig) *Exchanger {
	key := *cfg.Key
	if cfg.TokenURL != "" {
		key.TokenURI = cfg.TokenURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Exchanger{
		key:    &key,
		scopes: cfg.Scopes,
		client: client,
		logger: cfg.Logger,
		now:    now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token signs an assertion and exchanges it for an access token.
func (e *Exchanger) Token(ctx context.Context) (domain.AccessToken, error) {
	assertion, err := e.signAssertion()
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.key.TokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.AccessToken{}, fmt.Errorf("token endpoint %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return domain.AccessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return domain.AccessToken{}, fmt.Errorf("token endpoint returned no usable token")
	}

	e.logger.Debug("access token exchanged", "expires_in", tr.ExpiresIn)

	return domain.AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: e.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func (e *Exchanger) signAssertion() (string, error) {
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(e.key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	now := e.now()
	claims := jwt.MapClaims{
		"iss":   e.key.ClientEmail,
		"scope": strings.Join(e.scopes, " "),
		"aud":   e.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if e.key.PrivateKeyID != "" {
		token.Header["kid"] = e.key.PrivateKeyID
	}

	return token.SignedString(privKey)
}
