package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querystream/pkg/logger"
)

const secret = "test-secret"

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	valid, err := IssueToken(secret, "user-1", time.Minute, "queries:write")
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "user-1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid token", header: "Bearer " + valid, status: http.StatusOK, body: "user-1"},
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + forged, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			Auth(secret)(echoUser()).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	token, err := IssueToken(secret, "user-1", time.Minute, "queries:read")
	require.NoError(t, err)

	h := Auth(secret)(RequireScope("queries:write")(echoUser()))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserIdentity(t *testing.T) {
	token, err := IssueToken(secret, "user-1", time.Minute)
	require.NoError(t, err)

	t.Run("header only without secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(UserHeader, "user-9")
		rec := httptest.NewRecorder()
		UserIdentity("")(echoUser()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-9", rec.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		UserIdentity("")(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(UserHeader, "user-2")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		UserIdentity(secret)(echoUser()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("signed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(UserHeader, "user-1")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		UserIdentity(secret)(echoUser()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLogging_SetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestUserRateLimit(t *testing.T) {
	h := UserRateLimit(2, time.Minute)(echoUser())

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes[i] = last.Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateSessionID("sess_01-AB"))
	assert.Error(t, ValidateSessionID(""))
	assert.Error(t, ValidateSessionID("a.b"))
	assert.Error(t, ValidateSessionID(strings.Repeat("a", 129)))

	assert.NoError(t, ValidateQuery("fintech companies in Berlin"))
	assert.Error(t, ValidateQuery("   "))
	assert.Error(t, ValidateQuery(strings.Repeat("q", 10001)))
	assert.Error(t, ValidateQuery("\xff"))

	assert.NoError(t, ValidateMessageContent("only series A"))
	assert.Error(t, ValidateMessageContent(""))
}
