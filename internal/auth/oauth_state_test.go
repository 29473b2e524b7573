package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func newTestStateCodec(t *testing.T, clock func() time.Time) *StateCodec {
	t.Helper()
	codec, err := NewStateCodec(StateCodecConfig{
		SigningSecret: []byte("state-secret"),
		Issuer:        "ledgersync",
		TTL:           5 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return codec
}

func TestStateCodecRoundTrip(t *testing.T) {
	codec := newTestStateCodec(t, nil)

	state, nonce, err := codec.Issue("/settings/integrations")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if nonce == "" {
		t.Fatalf("expected a nonce")
	}

	claims, err := codec.Validate(state, nonce)
	if err != nil {
		t.Fatalf("expected state to validate: %v", err)
	}
	if claims.ReturnTo != "/settings/integrations" {
		t.Fatalf("unexpected return path %q", claims.ReturnTo)
	}

	_, otherNonce, err := codec.Issue("")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if _, err := codec.Validate(state, otherNonce); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
}

func TestStateCodecRejectsExpiredAndTamperedStates(t *testing.T) {
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	codec := newTestStateCodec(t, func() time.Time { return now })

	state, nonce, err := codec.Issue("")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	if _, err := codec.Validate(state+"x", nonce); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected tampered state to be invalid, got %v", err)
	}
	if _, err := codec.Validate("", nonce); !errors.Is(err, ErrMissingState) {
		t.Fatalf("expected missing state error, got %v", err)
	}

	now = now.Add(6 * time.Minute)
	if _, err := codec.Validate(state, nonce); !errors.Is(err, ErrExpiredState) {
		t.Fatalf("expected expired state, got %v", err)
	}
}

func TestStateCodecValidateRequestUsesCookie(t *testing.T) {
	codec := newTestStateCodec(t, nil)
	state, nonce, err := codec.Issue("")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	target := "/oauth/callback?code=abc&state=" + url.QueryEscape(state)
	withoutCookie := httptest.NewRequest(http.MethodGet, target, nil)
	if _, err := codec.ValidateRequest(withoutCookie); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected request without nonce cookie to fail, got %v", err)
	}

	withCookie := httptest.NewRequest(http.MethodGet, target, nil)
	withCookie.AddCookie(&http.Cookie{Name: codec.CookieName(), Value: nonce})
	if _, err := codec.ValidateRequest(withCookie); err != nil {
		t.Fatalf("expected request with nonce cookie to validate: %v", err)
	}
}

func TestNewStateCodecRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewStateCodec(StateCodecConfig{Issuer: "ledgersync"}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewStateCodec(StateCodecConfig{SigningSecret: []byte("s")}); !errors.Is(err, errMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
