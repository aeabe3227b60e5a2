// Package auth decides whether a connecting client may attach to a document
// session and bounds how long an accepted session may live.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SystemActor identifies sessions admitted through the override secret.
const SystemActor = "system"

const (
	defaultCookieName   = "session"
	capabilityGet       = "get"
	capabilityModify    = "modify"
	maxIdentityBodySize = 1 << 20
)

var (
	// ErrUnauthorized indicates that the identity check failed.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden indicates that the identity may not read and modify the item.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrInvalidConfig indicates missing authenticator endpoints.
	ErrInvalidConfig = errors.New("auth: invalid authenticator config")
)

// Config describes the identity and access endpoints.
type Config struct {
	AuthEndpoint   string
	APIEndpoint    string
	OverrideSecret string
	CookieName     string
	SigningSecret  []byte
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Clock          func() time.Time
}

// ConnectRequest carries the credentials a client presented for one item.
type ConnectRequest struct {
	Tenant     string
	Collection string
	ItemID     string
	// Token is either the override secret or a bearer session token.
	Token string
	// Cookie is the raw Cookie header of the upgrade request.
	Cookie string
}

// Identity is the outcome of a successful authentication. Profile fields are
// filled from the identity response, then from the session token claims.
type Identity struct {
	Actor       string
	Override    bool
	Email       string
	DisplayName string
	AvatarURL   string
}

// Authenticator gates session attachment.
type Authenticator struct {
	authEndpoint   string
	apiEndpoint    string
	overrideSecret []byte
	cookieName     string
	claims         *ClaimsReader
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewAuthenticator validates the configuration and constructs an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	authEndpoint := strings.TrimSpace(cfg.AuthEndpoint)
	if authEndpoint == "" {
		return nil, fmt.Errorf("%w: auth endpoint required", ErrInvalidConfig)
	}
	apiEndpoint := strings.TrimRight(strings.TrimSpace(cfg.APIEndpoint), "/")
	if apiEndpoint == "" {
		return nil, fmt.Errorf("%w: api endpoint required", ErrInvalidConfig)
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		authEndpoint:   authEndpoint,
		apiEndpoint:    apiEndpoint,
		overrideSecret: []byte(strings.TrimSpace(cfg.OverrideSecret)),
		cookieName:     cookieName,
		claims:         NewClaimsReader(cfg.SigningSecret, cfg.Clock),
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

type identityResponse struct {
	User struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	} `json:"user"`
}

type capabilityQuery struct {
	Query struct {
		Capabilities struct {
			Collection string   `json:"collection"`
			Item       string   `json:"item"`
			Actions    []string `json:"actions"`
		} `json:"capabilities"`
	} `json:"query"`
}

type capabilityResponse struct {
	Data struct {
		Capabilities map[string]bool `json:"capabilities"`
	} `json:"data"`
}

// Authenticate admits the request through the override secret, or by
// forwarding its credentials to the identity endpoint and checking read and
// modify capability on the exact item. Failures are ErrUnauthorized or ErrForbidden.
func (a *Authenticator) Authenticate(ctx context.Context, request ConnectRequest) (Identity, error) {
	if a.matchesOverride(request.Token) {
		return Identity{Actor: SystemActor, Override: true}, nil
	}
	if strings.TrimSpace(request.Token) == "" && strings.TrimSpace(request.Cookie) == "" {
		return Identity{}, fmt.Errorf("%w: no credentials", ErrUnauthorized)
	}

	identity, err := a.checkIdentity(ctx, request)
	if err != nil {
		a.logger.Info("session identity rejected",
			zap.String("tenant", request.Tenant),
			zap.String("collection", request.Collection),
			zap.String("item_id", request.ItemID),
			zap.Error(err))
		return Identity{}, err
	}
	if err := a.checkCapabilities(ctx, request); err != nil {
		a.logger.Info("session capability rejected",
			zap.String("tenant", request.Tenant),
			zap.String("collection", request.Collection),
			zap.String("item_id", request.ItemID),
			zap.Error(err))
		return Identity{}, err
	}

	if claims, ok := a.claimsFromCredentials(request); ok {
		identity = withClaims(identity, claims)
	}
	return identity, nil
}

func withClaims(identity Identity, claims SessionClaims) Identity {
	switch identity.Actor {
	case "":
		identity.Actor = claims.Actor()
	case claims.Actor():
	default:
		return identity
	}
	if identity.Email == "" {
		identity.Email = strings.TrimSpace(claims.UserEmail)
	}
	if identity.DisplayName == "" {
		identity.DisplayName = strings.TrimSpace(claims.UserDisplayName)
	}
	if identity.AvatarURL == "" {
		identity.AvatarURL = strings.TrimSpace(claims.UserAvatarURL)
	}
	return identity
}

func (a *Authenticator) matchesOverride(token string) bool {
	if len(a.overrideSecret) == 0 {
		return false
	}
	candidate := []byte(strings.TrimSpace(token))
	return subtle.ConstantTimeCompare(candidate, a.overrideSecret) == 1
}

func (a *Authenticator) checkIdentity(ctx context.Context, request ConnectRequest) (Identity, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, a.authEndpoint, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	a.forwardCredentials(httpRequest, request)

	response, err := a.httpClient.Do(httpRequest)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("%w: identity endpoint returned status %d", ErrUnauthorized, response.StatusCode)
	}

	// A 200 without a readable body still authenticates; the profile then
	// comes from the session token alone.
	var decoded identityResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxIdentityBodySize)).Decode(&decoded); err != nil {
		return Identity{}, nil
	}
	return Identity{
		Actor:       strings.TrimSpace(decoded.User.ID),
		Email:       strings.TrimSpace(decoded.User.Email),
		DisplayName: strings.TrimSpace(decoded.User.DisplayName),
		AvatarURL:   strings.TrimSpace(decoded.User.AvatarURL),
	}, nil
}

func (a *Authenticator) checkCapabilities(ctx context.Context, request ConnectRequest) error {
	var query capabilityQuery
	query.Query.Capabilities.Collection = request.Collection
	query.Query.Capabilities.Item = request.ItemID
	query.Query.Capabilities.Actions = []string{capabilityGet, capabilityModify}
	payload, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}

	endpoint := a.apiEndpoint + "/" + url.PathEscape(request.Tenant)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	a.forwardCredentials(httpRequest, request)

	response, err := a.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: capability query returned status %d", ErrForbidden, response.StatusCode)
	}
	var decoded capabilityResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxIdentityBodySize)).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: malformed capability response: %v", ErrForbidden, err)
	}
	if !decoded.Data.Capabilities[capabilityGet] || !decoded.Data.Capabilities[capabilityModify] {
		return fmt.Errorf("%w: missing read or modify capability", ErrForbidden)
	}
	return nil
}

func (a *Authenticator) forwardCredentials(httpRequest *http.Request, request ConnectRequest) {
	if cookie := strings.TrimSpace(request.Cookie); cookie != "" {
		httpRequest.Header.Set("Cookie", cookie)
	}
	if token := strings.TrimSpace(request.Token); token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+token)
	}
}

func (a *Authenticator) claimsFromCredentials(request ConnectRequest) (SessionClaims, bool) {
	candidates := []string{request.Token}
	if cookie := a.sessionCookie(request.Cookie); cookie != "" {
		candidates = append(candidates, cookie)
	}
	for _, candidate := range candidates {
		claims, err := a.claims.Read(candidate)
		if err != nil {
			continue
		}
		if claims.Actor() != "" {
			return claims, true
		}
	}
	return SessionClaims{}, false
}

func (a *Authenticator) sessionCookie(rawHeader string) string {
	if strings.TrimSpace(rawHeader) == "" {
		return ""
	}
	request := http.Request{Header: http.Header{"Cookie": {rawHeader}}}
	cookie, err := request.Cookie(a.cookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}
