package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultStateTTL        = 10 * time.Minute
	defaultStateCookieName = "ledgersync_oauth_nonce"
	stateAudience          = "ledgersync-oauth-state"
	nonceBytes             = 24
)

var (
	ErrMissingState  = errors.New("oauth state: state required")
	ErrInvalidState  = errors.New("oauth state: invalid state")
	ErrExpiredState  = errors.New("oauth state: state expired")
	ErrNonceMismatch = errors.New("oauth state: nonce does not match the browser session")
)

// StateClaims is the payload of a signed OAuth state parameter.
type StateClaims struct {
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to,omitempty"`
	jwt.RegisteredClaims
}

// StateCodecConfig describes how OAuth state parameters are signed.
type StateCodecConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

// StateCodec issues signed state parameters for the consent redirect and validates them on the
// callback. The nonce is also set as a cookie so a state is only accepted from the browser that
// started the flow.
type StateCodec struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	ttl           time.Duration
	clock         func() time.Time
}

// NewStateCodec constructs a StateCodec.
func NewStateCodec(cfg StateCodecConfig) (*StateCodec, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultStateCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateCodec{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie that carries the nonce.
func (c *StateCodec) CookieName() string {
	return c.cookieName
}

// TTL returns how long an issued state stays valid.
func (c *StateCodec) TTL() time.Duration {
	return c.ttl
}

// Issue returns a signed state and the nonce it is bound to.
func (c *StateCodec) Issue(returnTo string) (string, string, error) {
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	now := c.clock().UTC()
	claims := StateClaims{
		Nonce:    nonce,
		ReturnTo: strings.TrimSpace(returnTo),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  []string{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingSecret)
	if err != nil {
		return "", "", err
	}
	return signed, nonce, nil
}

// Validate parses the state and checks it carries nonce.
func (c *StateCodec) Validate(state string, nonce string) (StateClaims, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return StateClaims{}, ErrMissingState
	}

	claims := &StateClaims{}
	parsed, err := jwt.ParseWithClaims(
		state,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidState, t.Method.Alg())
			}
			return c.signingSecret, nil
		},
		jwt.WithTimeFunc(c.clock),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(stateAudience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return StateClaims{}, ErrExpiredState
		}
		return StateClaims{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if parsed == nil || !parsed.Valid || claims.Nonce == "" {
		return StateClaims{}, ErrInvalidState
	}
	if strings.TrimSpace(nonce) != claims.Nonce {
		return StateClaims{}, ErrNonceMismatch
	}
	return *claims, nil
}

// ValidateRequest reads the state query parameter and the nonce cookie from the callback request.
func (c *StateCodec) ValidateRequest(r *http.Request) (StateClaims, error) {
	if r == nil {
		return StateClaims{}, ErrMissingState
	}
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie == nil {
		return StateClaims{}, ErrNonceMismatch
	}
	return c.Validate(r.URL.Query().Get("state"), cookie.Value)
}
