package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled      = errors.New("auth: operator authentication disabled")
	ErrMissingToken      = errors.New("auth: missing bearer token")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrInsufficientScope = errors.New("auth: insufficient scope")
)

// AuthConfig configures the bearer tokens accepted for operator methods.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Operator is the verified identity behind an operator call.
type Operator struct {
	Subject string
	Scopes  []string
}

// scopeList accepts the space separated string form of the scope claim as
// well as a JSON array.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = strings.Fields(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("scope claim: %w", err)
	}
	*s = many
	return nil
}

type operatorClaims struct {
	jwt.RegisteredClaims
	Scope scopeList `json:"scope,omitempty"`
}

// Authenticator verifies HMAC signed operator tokens.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser: jwt.NewParser(opts...),
	}
}

// Enabled reports whether tokens are checked at all.
func (a *Authenticator) Enabled() bool { return a.cfg.Enabled && len(a.secret) > 0 }

// Authorize validates the bearer token on r and checks that it carries every
// required scope. A disabled authenticator refuses all operator calls.
func (a *Authenticator) Authorize(r *http.Request, requiredScopes ...string) (*Operator, error) {
	if !a.Enabled() {
		return nil, ErrAuthDisabled
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &operatorClaims{}
	if _, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		a.logger.Warn("operator token rejected", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	op := &Operator{Subject: claims.Subject, Scopes: []string(claims.Scope)}
	if missing := missingScopes(op.Scopes, requiredScopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientScope, strings.Join(missing, ","))
	}
	return op, nil
}

func missingScopes(scopes, required []string) []string {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	var missing []string
	for _, req := range required {
		if _, ok := set[req]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
