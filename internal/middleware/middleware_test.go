package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestInternalAuth(t *testing.T) {
	handler := InternalAuth("s3cret")(okHandler())

	t.Run("valid secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.Header.Set("X-Internal-Secret", "s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.Header.Set("X-Internal-Secret", "guess")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestIPFilter(t *testing.T) {
	cases := []struct {
		name      string
		allowed   []string
		remote    string
		xRealIP   string
		forwarded string
		want      int
	}{
		{"exact match", []string{"185.71.65.10"}, "185.71.65.10:443", "", "", http.StatusOK},
		{"not in list", []string{"185.71.65.10"}, "10.0.0.1:443", "", "", http.StatusForbidden},
		{"cidr match", []string{"185.71.65.0/24"}, "185.71.65.99:443", "", "", http.StatusOK},
		{"cidr miss", []string{"185.71.65.0/24"}, "185.71.66.1:443", "", "", http.StatusForbidden},
		{"x-real-ip wins", []string{"185.71.65.10"}, "10.0.0.1:443", "185.71.65.10", "", http.StatusOK},
		{"forwarded-for first hop", []string{"185.71.65.10"}, "10.0.0.1:443", "", "185.71.65.10, 10.0.0.2", http.StatusOK},
		{"empty allowlist allows all", nil, "10.0.0.1:443", "", "", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := IPFilter(tc.allowed)(okHandler())
			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			req.RemoteAddr = tc.remote
			if tc.xRealIP != "" {
				req.Header.Set("X-Real-IP", tc.xRealIP)
			}
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name      string
		remote    string
		xRealIP   string
		forwarded string
		want      string
	}{
		{"remote addr without port", "185.71.65.10:44312", "", "", "185.71.65.10"},
		{"x-real-ip preferred", "10.0.0.1:443", "185.71.65.23", "", "185.71.65.23"},
		{"forwarded-for first hop", "10.0.0.1:443", "", "185.71.65.9, 10.0.0.2", "185.71.65.9"},
		{"x-real-ip beats forwarded-for", "10.0.0.1:443", "185.71.65.23", "185.71.65.9", "185.71.65.23"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			req.RemoteAddr = tc.remote
			if tc.xRealIP != "" {
				req.Header.Set("X-Real-IP", tc.xRealIP)
			}
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, ClientIP(req))
		})
	}
}

func TestRequestSizeLimit(t *testing.T) {
	handler := RequestSizeLimit(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("small"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Repeat("x", 64)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
