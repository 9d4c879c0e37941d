package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"iconforge/internal/billing"
	"iconforge/internal/config"
	"iconforge/internal/credits"
	"iconforge/internal/models"
	"iconforge/internal/replicate"
	"iconforge/internal/services"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_http_test"
)

type fakeService struct {
	mu sync.Mutex

	result   credits.Result[services.Generation]
	genErr   error
	genPanic bool
	pngErr   error

	lastID  models.Identity
	lastGen models.GenerationType
	lastReq services.GenerateRequest
	lastPNG int
}

func (f *fakeService) Generate(_ context.Context, id models.Identity, gen models.GenerationType, req services.GenerateRequest) (credits.Result[services.Generation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genPanic {
		panic("model client exploded")
	}
	f.lastID, f.lastGen, f.lastReq = id, gen, req
	return f.result, f.genErr
}

func (f *fakeService) Balance(_ context.Context, id models.Identity) (models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return models.Balance{IdentifierType: id.Type, Remaining: 4, LimitType: models.LimitLifetime}, nil
}

func (f *fakeService) SVGToPNG(svg []byte, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPNG = size
	if f.pngErr != nil {
		return nil, f.pngErr
	}
	return []byte("\x89PNG"), nil
}

func (f *fakeService) ProxySVG(_ context.Context, rawURL string) (string, error) {
	if strings.Contains(rawURL, "evil") {
		return "", services.ErrInvalidRequest
	}
	return `<svg viewBox="0 0 1 1"></svg>`, nil
}

type recordingProfiles struct {
	downgraded []string
}

func (p *recordingProfiles) UserIDByCustomer(context.Context, string) (string, error) {
	return "", billing.ErrUnknownProfile
}

func (p *recordingProfiles) ActivateSubscription(context.Context, string, string, string, string, int) error {
	return nil
}

func (p *recordingProfiles) UpdateSubscription(context.Context, string, string, string, int) error {
	return nil
}

func (p *recordingProfiles) DowngradeSubscription(_ context.Context, subscriptionID string) error {
	p.downgraded = append(p.downgraded, subscriptionID)
	return nil
}

func (p *recordingProfiles) ResetMonthlyUsage(context.Context, string) error { return nil }

func (p *recordingProfiles) MarkPastDue(context.Context, string) error { return nil }

func testConfig() config.Config {
	return config.Config{
		Environment:          config.EnvironmentDevelopment,
		JWTSecretKey:         testJWTSecret,
		StripeWebhookSecret:  testWebhookSecret,
		ConvertRatePerMinute: 30,
		ConvertMaxBytes:      1024,
	}
}

func newTestServer(t *testing.T, cfg config.Config, svc *fakeService) (http.Handler, *recordingProfiles) {
	t.Helper()
	profiles := &recordingProfiles{}
	return NewServer(cfg, svc, billing.NewWebhook(cfg, profiles, nil), nil).Routes(), profiles
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGenerateSuccess(t *testing.T) {
	svc := &fakeService{result: credits.Result[services.Generation]{
		Success:          true,
		Data:             services.Generation{SVGURL: "https://replicate.delivery/x.svg", Model: services.IconModel},
		RemainingCredits: 0,
	}}
	h, _ := newTestServer(t, testConfig(), svc)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-icon", strings.NewReader(`{"prompt":"rocket","style":"icon/outline"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-42"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(0), body["remaining_credits"])
	assert.Equal(t, "https://replicate.delivery/x.svg", body["data"].(map[string]any)["svg_url"])

	assert.Equal(t, models.UserIdentity("user-42"), svc.lastID)
	assert.Equal(t, models.GenerationIcon, svc.lastGen)
	assert.Equal(t, "icon/outline", svc.lastReq.Style)
}

func TestGenerateDeclinedIs429(t *testing.T) {
	svc := &fakeService{result: credits.Result[services.Generation]{
		Error:     credits.MsgSignUpToContinue,
		LimitType: models.LimitAnonymousDaily,
	}}
	h, _ := newTestServer(t, testConfig(), svc)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-svg", strings.NewReader(`{"prompt":"tree"}`))
	req.RemoteAddr = ""
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, credits.MsgSignUpToContinue, body["error"])
	assert.Equal(t, string(models.LimitAnonymousDaily), body["limit_type"])
	assert.NotContains(t, body, "remaining_credits")

	assert.True(t, svc.lastID.IsAnonymous())
	assert.Equal(t, "198.51.100.7", svc.lastID.Identifier)
}

func TestAnonymousIdentityHeaderPriority(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "peer address wins",
			remoteAddr: "192.0.2.10:5555",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1", "X-Real-IP": "203.0.113.5"},
			want:       "192.0.2.10",
		},
		{
			name:    "forwarded-for beats real-ip",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1", "X-Real-IP": "203.0.113.5", "True-Client-IP": "203.0.113.77"},
			want:    "198.51.100.1",
		},
		{
			name:    "real-ip beats cdn headers",
			headers: map[string]string{"X-Real-IP": "203.0.113.5", "True-Client-IP": "203.0.113.77"},
			want:    "203.0.113.5",
		},
		{
			name:    "cdn header alone",
			headers: map[string]string{"True-Client-IP": "203.0.113.77"},
			want:    "203.0.113.77",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			h, _ := newTestServer(t, testConfig(), svc)

			req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, models.AnonymousIdentity(tt.want), svc.lastID)
		})
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		err        error
		wantStatus int
		wantError  string
	}{
		{"invalid request", config.EnvironmentDevelopment, services.ErrInvalidRequest, http.StatusBadRequest, services.ErrInvalidRequest.Error()},
		{"no output url", config.EnvironmentDevelopment, replicate.ErrNoOutputURL, http.StatusUnprocessableEntity, replicate.ErrNoOutputURL.Error()},
		{"not configured", config.EnvironmentDevelopment, replicate.ErrNotConfigured, http.StatusServiceUnavailable, replicate.ErrNotConfigured.Error()},
		{"development detail", config.EnvironmentDevelopment, replicate.ErrPredictionTimeout, http.StatusInternalServerError, replicate.ErrPredictionTimeout.Error()},
		{"production generic", config.EnvironmentProduction, errors.New("db password in error"), http.StatusInternalServerError, genericErrorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Environment = tt.env
			h, _ := newTestServer(t, cfg, &fakeService{genErr: tt.err})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate-svg", strings.NewReader(`{"prompt":"x"}`)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, rec)["error"])
		})
	}
}

func TestGenerateRejectsMalformedBody(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), &fakeService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate-icon", strings.NewReader(`{"prompt":`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	svc := &fakeService{}
	h, _ := newTestServer(t, testConfig(), svc)

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.Identity{}, svc.lastID)
}

func TestCreditsForAnonymousCaller(t *testing.T) {
	svc := &fakeService{}
	h, _ := newTestServer(t, testConfig(), svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/credits", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(4), body["remaining_credits"])
	assert.Equal(t, string(models.IdentifierIPAddress), body["identifier_type"])
	assert.Equal(t, "192.0.2.1", svc.lastID.Identifier)
}

func TestPanicIsRecovered(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), &fakeService{genPanic: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate-icon", strings.NewReader(`{"prompt":"x"}`)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody(t, rec)["error"])
}

func TestSVGToPNG(t *testing.T) {
	svc := &fakeService{}
	h, _ := newTestServer(t, testConfig(), svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/convert/svg-to-png?size=128", strings.NewReader(`<svg/>`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, 128, svc.lastPNG)
}

func TestSVGToPNGRejections(t *testing.T) {
	t.Run("bad size", func(t *testing.T) {
		h, _ := newTestServer(t, testConfig(), &fakeService{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/convert/svg-to-png?size=big", strings.NewReader(`<svg/>`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("too large", func(t *testing.T) {
		h, _ := newTestServer(t, testConfig(), &fakeService{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/convert/svg-to-png", strings.NewReader(strings.Repeat("a", 2048))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
	t.Run("invalid svg", func(t *testing.T) {
		h, _ := newTestServer(t, testConfig(), &fakeService{pngErr: services.ErrInvalidRequest})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/convert/svg-to-png", strings.NewReader(`nope`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSVGToPNGIsRateLimitedPerCaller(t *testing.T) {
	cfg := testConfig()
	cfg.ConvertRatePerMinute = 2
	h, _ := newTestServer(t, cfg, &fakeService{})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/convert/svg-to-png", strings.NewReader(`<svg/>`))
		req.RemoteAddr = ip + ":40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
}

func TestProxySVG(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), &fakeService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-svg?url=https://replicate.delivery/a.svg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-svg?url=https://evil.example/a.svg", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-svg", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	h, profiles := newTestServer(t, testConfig(), &fakeService{})
	payload := `{"id":"evt_1","object":"event","type":"customer.subscription.deleted",
		"data":{"object":{"id":"sub_9","object":"subscription","status":"canceled"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sub_9"}, profiles.downgraded)
}

func TestStripeWebhookRejections(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		h, profiles := newTestServer(t, testConfig(), &fakeService{})
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, profiles.downgraded)
	})
	t.Run("not configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.StripeWebhookSecret = ""
		h, _ := newTestServer(t, cfg, &fakeService{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), &fakeService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iconforge_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t, testConfig(), &fakeService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/generate-icon", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
