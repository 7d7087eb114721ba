package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-0123456789abcdef"

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	tokens, err := NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	return tokens
}

func TestNewTokenService_RejectsShortSecret(t *testing.T) {
	if _, err := NewTokenService("short"); err == nil {
		t.Error("NewTokenService() accepted a short secret")
	}
	if _, err := NewTokenService(""); err == nil {
		t.Error("NewTokenService() accepted an empty secret")
	}
}

func TestGenerateValidate_RoundTrip(t *testing.T) {
	tokens := newTestTokenService(t)

	cases := []Identity{
		{UserID: "user-1", IsAdmin: false},
		{UserID: "root", IsAdmin: true},
	}
	for _, want := range cases {
		signed, err := tokens.Generate(want)
		if err != nil {
			t.Fatalf("Generate(%+v) error = %v", want, err)
		}

		got, err := tokens.Validate(signed)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestValidate_ExpiredToken(t *testing.T) {
	tokens := newTestTokenService(t)

	signed, err := tokens.GenerateWithDuration(Identity{UserID: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateWithDuration() error = %v", err)
	}

	_, err = tokens.Validate(signed)
	if err == nil {
		t.Fatal("Validate() accepted an expired token")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("error = %q, want mention of expiry", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	tokens := newTestTokenService(t)
	other, err := NewTokenService("another-secret-with-enough-length")
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}

	signed, err := tokens.Generate(Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := other.Validate(signed); err == nil {
		t.Error("Validate() accepted a token signed with a different secret")
	}
}

func TestValidate_Garbage(t *testing.T) {
	tokens := newTestTokenService(t)

	for _, tok := range []string{"", "not.a.jwt", "xxxx"} {
		if _, err := tokens.Validate(tok); err == nil {
			t.Errorf("Validate(%q) accepted garbage", tok)
		}
	}
}

func TestValidate_TamperedPayload(t *testing.T) {
	tokens := newTestTokenService(t)

	signed, err := tokens.Generate(Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Flip a character in the payload segment. The signature no longer
	// matches, so validation must fail.
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := tokens.Validate(tampered); err == nil {
		t.Error("Validate() accepted a tampered token")
	}
}

func okIfAuthed(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			t.Error("handler reached without identity in context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_AcceptsCookieAndBearer(t *testing.T) {
	tokens := newTestTokenService(t)
	signed, err := tokens.Generate(Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	handler := RequireAuth(tokens)(okIfAuthed(t))

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: TokenCookie, Value: signed})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRequireAuth_RejectsMissingOrBadToken(t *testing.T) {
	tokens := newTestTokenService(t)
	handler := RequireAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a valid token")
	}))

	t.Run("no token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestRequireAdmin(t *testing.T) {
	tokens := newTestTokenService(t)

	chain := func(next http.Handler) http.Handler {
		return RequireAuth(tokens)(RequireAdmin(next))
	}
	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	adminToken, _ := tokens.Generate(Identity{UserID: "root", IsAdmin: true})
	userToken, _ := tokens.Generate(Identity{UserID: "user-1", IsAdmin: false})

	t.Run("admin passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+userToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestIdentityFromContext_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := IdentityFromContext(req.Context()); ok {
		t.Error("IdentityFromContext reported an identity on a bare request")
	}
}
