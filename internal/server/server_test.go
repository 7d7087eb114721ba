package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/trade-accounting/internal/model"
)

const (
	testJWTSecret     = "server-test-secret-0123456789"
	testAdminPassword = "root-password-123"
	testWebhookSecret = "webhook-test-secret"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	srv, err := New(Config{
		DBPath:        ":memory:",
		JWTSecret:     testJWTSecret,
		AdminUsername: "root",
		AdminPassword: testAdminPassword,
		WebhookSecret: testWebhookSecret,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv.Router()
}

// do sends one JSON request through the router and returns the recorder.
func do(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"response body: %s", rec.Body.String())
}

func login(t *testing.T, router http.Handler, username, password string) string {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/auth/login", "",
		map[string]string{"login": username, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, "login response: %s", rec.Body.String())

	var resp struct {
		Token string     `json:"token"`
		User  model.User `json:"user"`
	}
	decodeInto(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func createItem(t *testing.T, router http.Handler, token, name, price string) model.Item {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/items", token,
		map[string]any{"name": name, "price": price})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code,
		"create item response: %s", rec.Body.String())

	var item model.Item
	decodeInto(t, rec, &item)
	return item
}

func assertAmount(t *testing.T, got decimal.Decimal, want string, label string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)),
		"%s = %s, want %s", label, got, want)
}

func TestLogin(t *testing.T) {
	router := newTestServer(t)

	t.Run("bootstrap admin can sign in", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/auth/login", "",
			map[string]string{"login": "root", "password": testAdminPassword})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Token string     `json:"token"`
			User  model.User `json:"user"`
		}
		decodeInto(t, rec, &resp)
		assert.True(t, resp.User.IsAdmin)
		assert.Equal(t, "root", resp.User.Username)

		cookies := rec.Result().Cookies()
		require.NotEmpty(t, cookies, "login must set the session cookie")
		assert.Equal(t, "token", cookies[0].Name)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("wrong password is a uniform 401", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/auth/login", "",
			map[string]string{"login": "root", "password": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid credentials")
	})

	t.Run("unknown user is the same 401", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/auth/login", "",
			map[string]string{"login": "nobody", "password": "whatever"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid credentials")
	})
}

func TestAPIRequiresAuthentication(t *testing.T) {
	router := newTestServer(t)

	for _, path := range []string{"/api/items", "/api/calculations", "/api/auth/me", "/api/snapshots"} {
		rec := do(t, router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "GET %s without a token", path)
	}
}

func TestCalculationLifecycle(t *testing.T) {
	router := newTestServer(t)
	token := login(t, router, "root", testAdminPassword)

	bolt := createItem(t, router, token, "bolt m6", "10.00")
	nut := createItem(t, router, token, "nut m6", "10.00")
	assert.Equal(t, "Bolt m6", bolt.Name, "names are normalized on create")

	// Create: 2 bolts + 1 nut at 10% markup.
	rec := do(t, router, http.MethodPost, "/api/calculations", token, map[string]any{
		"title":  "Fasteners",
		"markup": "10",
		"lines": []map[string]any{
			{"itemId": bolt.ID, "quantity": 2},
			{"itemId": nut.ID, "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "create response: %s", rec.Body.String())

	var calc model.Calculation
	decodeInto(t, rec, &calc)
	assertAmount(t, calc.TotalPrice, "30.00", "total")
	assertAmount(t, calc.TotalPriceWithMarkup, "33.00", "total with markup")
	require.Len(t, calc.Lines, 2)

	// Repricing the bolt fans out into the calculation.
	rec = do(t, router, http.MethodPut, "/api/items/"+bolt.ID, token,
		map[string]any{"name": "Bolt m6", "price": "13.00"})
	require.Equal(t, http.StatusOK, rec.Code, "reprice response: %s", rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/calculations/"+calc.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after model.Calculation
	decodeInto(t, rec, &after)
	assertAmount(t, after.TotalPrice, "36.00", "total after reprice")
	assertAmount(t, after.TotalPriceWithMarkup, "39.60", "total with markup after reprice")

	// The reprice landed in the history log.
	rec = do(t, router, http.MethodGet, "/api/price-history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var changes []model.PriceChange
	decodeInto(t, rec, &changes)
	require.NotEmpty(t, changes)
	assertAmount(t, changes[0].OldPrice, "10.00", "logged old price")
	assertAmount(t, changes[0].NewPrice, "13.00", "logged new price")

	// The snapshot frozen at creation still shows the original totals.
	rec = do(t, router, http.MethodGet, "/api/snapshots", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []model.Snapshot
	decodeInto(t, rec, &snaps)
	require.Len(t, snaps, 1)
	assertAmount(t, snaps[0].FrozenTotalPriceWithMarkup, "33.00", "frozen total")

	// Copy, then delete the original; the copy survives.
	rec = do(t, router, http.MethodPost, "/api/calculations/"+calc.ID+"/copy", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, "copy response: %s", rec.Body.String())
	var clone model.Calculation
	decodeInto(t, rec, &clone)
	assert.Equal(t, "Fasteners (copy)", clone.Title)
	assertAmount(t, clone.TotalPriceWithMarkup, "39.60", "copy total")

	rec = do(t, router, http.MethodDelete, "/api/calculations/"+calc.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/calculations/"+clone.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/calculations/"+calc.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalculationValidationAndOverflow(t *testing.T) {
	router := newTestServer(t)
	token := login(t, router, "root", testAdminPassword)

	item := createItem(t, router, token, "gold ingot", "99999999.00")

	t.Run("empty line set rejected", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/calculations", token, map[string]any{
			"title": "Empty", "markup": "0", "lines": []map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("total beyond the cap is a 422", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/api/calculations", token, map[string]any{
			"title":  "Too big",
			"markup": "10",
			"lines":  []map[string]any{{"itemId": item.ID, "quantity": 2}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "body: %s", rec.Body.String())
		assert.Contains(t, rec.Body.String(), "overflow")
	})
}

func TestUserManagementIsAdminOnly(t *testing.T) {
	router := newTestServer(t)
	adminToken := login(t, router, "root", testAdminPassword)

	// Admin creates a regular account.
	rec := do(t, router, http.MethodPost, "/api/users/", adminToken, map[string]any{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "alice-password-1",
		"isAdmin":  false,
	})
	require.Equal(t, http.StatusCreated, rec.Code, "create user response: %s", rec.Body.String())

	aliceToken := login(t, router, "alice", "alice-password-1")

	t.Run("non-admin cannot reach user management", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/users/", aliceToken, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("email works as the login too", func(t *testing.T) {
		token := login(t, router, "alice@example.com", "alice-password-1")
		rec := do(t, router, http.MethodGet, "/api/auth/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var me model.User
		decodeInto(t, rec, &me)
		assert.Equal(t, "alice", me.Username)
	})
}

func TestCalculationOwnershipAcrossUsers(t *testing.T) {
	router := newTestServer(t)
	adminToken := login(t, router, "root", testAdminPassword)

	for _, u := range []string{"alice", "bob"} {
		rec := do(t, router, http.MethodPost, "/api/users/", adminToken, map[string]any{
			"username": u, "password": u + "-password-1",
		})
		require.Equal(t, http.StatusCreated, rec.Code, "create %s: %s", u, rec.Body.String())
	}
	aliceToken := login(t, router, "alice", "alice-password-1")
	bobToken := login(t, router, "bob", "bob-password-1")

	item := createItem(t, router, adminToken, "bolt", "10.00")

	rec := do(t, router, http.MethodPost, "/api/calculations", aliceToken, map[string]any{
		"title":  "Hers",
		"markup": "0",
		"lines":  []map[string]any{{"itemId": item.ID, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var calc model.Calculation
	decodeInto(t, rec, &calc)

	// Bob cannot see or delete Alice's quote; the admin can see it.
	rec = do(t, router, http.MethodGet, "/api/calculations/"+calc.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, router, http.MethodDelete, "/api/calculations/"+calc.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/calculations/"+calc.ID, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Bob's listing does not include it either.
	rec = do(t, router, http.MethodGet, "/api/calculations", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var visible []model.Calculation
	decodeInto(t, rec, &visible)
	assert.Empty(t, visible)
}

func TestSentryWebhook(t *testing.T) {
	router := newTestServer(t)

	body := []byte(`{"title":"ZeroDivisionError","url":"https://sentry.io/issues/42"}`)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	t.Run("valid signature accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sentry", bytes.NewReader(body))
		req.Header.Set("Sentry-Hook-Signature", signature)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		// No Telegram relay configured in tests, so the alert is
		// acknowledged and dropped.
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		assert.Contains(t, rec.Body.String(), "dropped")
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sentry", bytes.NewReader(body))
		req.Header.Set("Sentry-Hook-Signature", "deadbeef")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sentry", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
