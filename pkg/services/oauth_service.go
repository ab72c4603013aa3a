package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/crypto"
	"github.com/gridbase-io/gridbase-engine/pkg/logging"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

// stateTTL bounds how long an authorize round trip may take. Anything
// older is replay.
const stateTTL = 10 * time.Minute

// oauthState is the payload carried through the identity provider in
// the state parameter. It is sealed by the vault, so the provider and
// the user's browser see only ciphertext; in particular OwnerKey never
// travels in the clear.
type oauthState struct {
	Draft    DatasourceInput `json:"draft"`
	OwnerID  string          `json:"owner_id"`
	OwnerKey string          `json:"owner_key"`
	IssuedAt time.Time       `json:"issued_at"`
}

// tokenResponse is the provider's token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// OAuthService drives the authorization-code exchange that provisions
// an OAuth-backed datasource.
type OAuthService interface {
	// Enabled reports whether a provider is configured.
	Enabled() bool
	// Start seals the draft into a state parameter and returns the
	// provider authorize URL to open in a popup.
	Start(draft *DatasourceInput, ownerID, ownerKey string) (string, error)
	// Callback completes the exchange: verifies state freshness, trades
	// the code for tokens, creates the datasource row, and stores the
	// sealed refresh token. Returns the new datasource id.
	Callback(ctx context.Context, code, state string) (string, error)
}

type oauthService struct {
	cfg         *config.OAuthConfig
	redirectURI string
	vault       *crypto.Vault
	datasources DatasourceService
	client      *http.Client
	logger      *zap.Logger
}

// NewOAuthService wires the exchange flow. The redirect URI is derived
// from the engine's base URL and must match the provider registration.
func NewOAuthService(cfg *config.Config, vault *crypto.Vault, datasources DatasourceService, logger *zap.Logger) OAuthService {
	return &oauthService{
		cfg:         &cfg.OAuth,
		redirectURI: strings.TrimRight(cfg.BaseURL, "/") + "/api/oauth/callback",
		vault:       vault,
		datasources: datasources,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

func (s *oauthService) Enabled() bool {
	return s.cfg.Enabled()
}

func (s *oauthService) Start(draft *DatasourceInput, ownerID, ownerKey string) (string, error) {
	if !s.cfg.Enabled() {
		return "", errors.New("oauth provider is not configured")
	}
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	if ownerKey == "" {
		return "", apperrors.ErrUserKeyRequired
	}

	state := oauthState{
		Draft:    *draft,
		OwnerID:  ownerID,
		OwnerKey: ownerKey,
		IssuedAt: time.Now(),
	}
	sealed, err := s.vault.EncryptState(state)
	if err != nil {
		return "", fmt.Errorf("seal oauth state: %w", err)
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("encode oauth state: %w", err)
	}
	stateParam := base64.RawURLEncoding.EncodeToString(raw)

	authorizeURL, err := url.Parse(s.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	q := authorizeURL.Query()
	q.Set("client_id", s.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", s.redirectURI)
	q.Set("state", stateParam)
	authorizeURL.RawQuery = q.Encode()

	return authorizeURL.String(), nil
}

func (s *oauthService) Callback(ctx context.Context, code, state string) (string, error) {
	if code == "" || state == "" {
		return "", errors.New("code and state are required")
	}

	parsed, err := s.openState(state)
	if err != nil {
		return "", err
	}
	if time.Since(parsed.IssuedAt) > stateTTL {
		return "", apperrors.ErrStateExpired
	}

	tokens, err := s.exchangeCode(ctx, code)
	if err != nil {
		return "", err
	}

	draft := parsed.Draft
	draft.AuthMethod = models.AuthOAuth
	if draft.Credentials == nil {
		// The row must seal something under the owner's key so later
		// reads follow the normal decrypt path.
		draft.Credentials = &models.Credentials{User: draft.ConnectionConfig.Username}
	}

	ds, err := s.datasources.Create(ctx, parsed.OwnerID, parsed.OwnerKey, &draft)
	if err != nil {
		return "", fmt.Errorf("create datasource: %w", err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = tokens.AccessToken
	}
	var expiry *time.Time
	if tokens.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiry = &t
	}
	if err := s.datasources.StoreOAuthTokens(ctx, ds.ID, parsed.OwnerID, parsed.OwnerKey, refreshToken, expiry); err != nil {
		return "", fmt.Errorf("store oauth tokens: %w", err)
	}

	s.logger.Info("completed oauth exchange",
		zap.String("datasource_id", ds.ID),
		zap.String("owner_id", parsed.OwnerID))
	return ds.ID, nil
}

// openState decodes and unseals the state parameter. All decode
// failures collapse into one opaque error: the parameter came back from
// an external redirect and is untrusted input.
func (s *oauthService) openState(state string) (*oauthState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, errors.New("invalid oauth state")
	}
	var sealed models.EncryptedPayload
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, errors.New("invalid oauth state")
	}
	var parsed oauthState
	if err := s.vault.DecryptState(&sealed, &parsed); err != nil {
		return nil, errors.New("invalid oauth state")
	}
	return &parsed, nil
}

// exchangeCode trades the authorization code for tokens at the provider
// token endpoint using client-secret basic auth.
func (s *oauthService) exchangeCode(ctx context.Context, code string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %s", logging.SanitizeMessage(err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s",
			resp.StatusCode, logging.SanitizeMessage(string(body)))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.RefreshToken == "" && tokens.AccessToken == "" {
		return nil, errors.New("token response contained no tokens")
	}
	return &tokens, nil
}
