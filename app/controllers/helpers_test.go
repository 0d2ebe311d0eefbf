package controllers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing/billingtest"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
	"github.com/ManuelReschke/patronbox/internal/pkg/middleware"
)

const (
	testCreator = "creator-1"
	testTier    = "tier-gold"
	testSecret  = "jwt-test-secret"
)

type apiFixture struct {
	app      *fiber.App
	db       *gorm.DB
	gw       *billingtest.FakeGateway
	svc      *billing.Service
	metrics  *metrics.Metrics
	verifier *middleware.TokenVerifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := billingtest.NewDB(t)
	billingtest.SeedTier(t, db, testCreator, testTier, "acct_creator1", 500)

	f := &apiFixture{
		db:       db,
		gw:       billingtest.NewFakeGateway(),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		verifier: middleware.NewTokenVerifier(testSecret),
	}
	f.svc = billing.NewService(billing.NewRepository(db), f.gw, billing.Config{PlatformFeePercent: 10})

	f.app = fiber.New()
	sc := NewSubscriptionController(f.svc, f.metrics)
	f.app.Post("/api/v1/subscriptions/actions", middleware.JWTAuth(f.verifier), sc.HandleAction)
	return f
}

func (f *apiFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := f.verifier.Sign(userID, userID+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return token
}

// action posts body to the action endpoint as userID ("" for anonymous).
func (f *apiFixture) action(t *testing.T, userID, role string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/actions", bytes.NewReader(raw))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+f.token(t, userID, role))
	}
	return doRequest(t, f.app, req)
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}
