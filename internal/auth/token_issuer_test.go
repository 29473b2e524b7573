package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesOperatorTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueOperatorToken(context.Background(), "ops-oncall")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "ops-oncall" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "ledgersync" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "ledgersync-operator" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueOperatorToken(context.Background(), "ops-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "ops-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err = issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidOperatorToken) {
		t.Fatalf("expected invalid token error for malformed token, got %v", err)
	}
	if _, err = issuer.ValidateToken(" "); !errors.Is(err, ErrInvalidOperatorToken) {
		t.Fatalf("expected invalid token error for empty token, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret-one"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret-two"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	foreign, _, err := other.IssueOperatorToken(context.Background(), "intruder")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidOperatorToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}

	own, _, err := issuer.IssueOperatorToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(own); !errors.Is(err, ErrInvalidOperatorToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
		want   error
	}{
		{
			name:   "missing secret",
			config: TokenIssuerConfig{Issuer: "ledgersync", Audience: "ledgersync-operator"},
			want:   errMissingSigningSecret,
		},
		{
			name:   "missing issuer",
			config: TokenIssuerConfig{SigningSecret: []byte("secret"), Audience: "ledgersync-operator"},
			want:   errMissingIssuer,
		},
		{
			name:   "blank audience",
			config: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "ledgersync", Audience: " "},
			want:   errMissingAudience,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(testContext *testing.T) {
			_, err := NewTokenIssuer(testCase.config)
			if !errors.Is(err, testCase.want) {
				testContext.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestIssueOperatorTokenRequiresSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-operator",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueOperatorToken(context.Background(), "  "); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
