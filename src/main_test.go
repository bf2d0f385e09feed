package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maguey/src/db/dbtest"
	"maguey/src/middlewares"
	"maguey/src/notifier"
	"maguey/src/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/stripe/stripe-go/v82"
	"github.com/tidwall/gjson"
)

type TestSuite struct {
	suite.Suite
	router *gin.Engine
	svc    *services
	tokens map[string]string
}

func (s *TestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
}

func (s *TestSuite) SetupTest() {
	s.T().Setenv("JWT_SECRET", "secret")
	s.T().Setenv("MAINTENANCE_MODE", "")
	s.T().Setenv("REDIS_HOST", "")
	s.T().Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	s.T().Setenv("API_QRC_SECRET", "0123456789abcdef0123456789abcdef")

	d := dbtest.Open(s.T())
	s.svc = newServices(d, notifier.Discard, notifier.NewHub())
	s.router = setupRouter()
	registerRoutes(s.router, s.svc, middlewares.AuthMiddleware)

	s.tokens = map[string]string{}
	for _, role := range []string{types.ROLE_ADMIN, types.ROLE_BOX, types.ROLE_OPERATOR} {
		token, err := middlewares.IssueToken(role+"-user", role, "device-1", time.Hour)
		require.NoError(s.T(), err)
		s.tokens[role] = token
	}
}

func (s *TestSuite) do(method, url, role string, body any) (int, string) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.T(), err)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.tokens[role]))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func (s *TestSuite) seed(capacity int) (eventID, resourceID int64) {
	now := time.Now().UTC()
	code, body := s.do("POST", "/api/v1/events", types.ROLE_ADMIN, types.CreateEventRequestBody{
		Name:     "Friday Night",
		StartsAt: now.Add(24 * time.Hour),
		EndsAt:   now.Add(30 * time.Hour),
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	eventID = gjson.Get(body, "id").Int()

	code, body = s.do("POST", "/api/v1/resources", types.ROLE_ADMIN, types.CreateResourceRequestBody{
		EventID:  uint(eventID),
		Name:     "Table 4",
		Kind:     types.RESOURCE_TABLE,
		Capacity: uint(capacity),
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	return eventID, gjson.Get(body, "id").Int()
}

func (s *TestSuite) TestPingRoute() {
	router := setupRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/", nil)
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 200, w.Code)
	assert.Equal(s.T(), "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func (s *TestSuite) TestMaintenanceMode() {
	s.T().Setenv("MAINTENANCE_MODE", "true")

	code, _ := s.do("GET", "/api/v1/resources/1", types.ROLE_ADMIN, nil)
	assert.Equal(s.T(), http.StatusServiceUnavailable, code)
}

func (s *TestSuite) TestAuth() {
	s.Run("Should reject a missing token", func() {
		code, _ := s.do("GET", "/api/v1/resources/1", "", nil)
		assert.Equal(s.T(), http.StatusUnauthorized, code)
	})
	s.Run("Should reject a forged token", func() {
		req, _ := http.NewRequest("GET", "/api/v1/resources/1", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
	})
	s.Run("Should forbid operators from creating events", func() {
		code, _ := s.do("POST", "/api/v1/events", types.ROLE_OPERATOR, types.CreateEventRequestBody{Name: "x"})
		assert.Equal(s.T(), http.StatusForbidden, code)
	})
}

func (s *TestSuite) TestIssueToken() {
	code, body := s.do("POST", "/api/v1/auth/tokens", types.ROLE_ADMIN, types.IssueTokenRequestBody{
		Username: "door-op", Role: types.ROLE_OPERATOR, DeviceID: "door-9",
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	s.tokens["issued"] = gjson.Get(body, "token").String()

	code, _ = s.do("GET", "/api/v1/credentials/none/scans", "issued", nil)
	assert.Equal(s.T(), http.StatusNotFound, code)

	code, _ = s.do("POST", "/api/v1/auth/tokens", types.ROLE_OPERATOR, types.IssueTokenRequestBody{Username: "x", Role: types.ROLE_ADMIN})
	assert.Equal(s.T(), http.StatusForbidden, code)

	// no redis in tests
	code, _ = s.do("POST", "/api/v1/auth/revoke", types.ROLE_OPERATOR, nil)
	assert.Equal(s.T(), http.StatusServiceUnavailable, code)
}

func (s *TestSuite) TestReservationFlow() {
	eventID, resourceID := s.seed(4)

	code, body := s.do("POST", "/api/v1/reservations", types.ROLE_BOX, types.CreateReservationRequestBody{
		EventID:        uint(eventID),
		ResourceID:     uint(resourceID),
		PartySize:      2,
		PurchaserName:  "Ana",
		PurchaserEmail: "ana@example.com",
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	id := gjson.Get(body, "id").Int()
	assert.Equal(s.T(), "pending", gjson.Get(body, "status").String())
	assert.Equal(s.T(), int64(2), gjson.Get(body, "guest_passes.#").Int())
	token := gjson.Get(body, "guest_passes.0.token").String()

	code, body = s.do("GET", fmt.Sprintf("/api/v1/resources/%d", resourceID), types.ROLE_BOX, nil)
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), int64(2), gjson.Get(body, "available").Int())

	s.Run("Should reject a party larger than what is left", func() {
		code, body := s.do("POST", "/api/v1/reservations", types.ROLE_BOX, types.CreateReservationRequestBody{
			EventID:        uint(eventID),
			ResourceID:     uint(resourceID),
			PartySize:      3,
			PurchaserName:  "Bo",
			PurchaserEmail: "bo@example.com",
		})
		assert.Equal(s.T(), http.StatusConflict, code)
		assert.Equal(s.T(), "CapacityExceeded", gjson.Get(body, "code").String())
	})

	s.Run("Should refuse entry before payment", func() {
		code, body := s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: token, DeviceID: "door-1"})
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), "rejected", gjson.Get(body, "outcome").String())
		assert.Equal(s.T(), "reservation not active", gjson.Get(body, "reason").String())
	})

	code, body = s.do("POST", fmt.Sprintf("/api/v1/reservations/%d/payment", id), types.ROLE_BOX, types.PaymentConfirmationRequestBody{PaymentReference: "pi_123"})
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), "confirmed", gjson.Get(body, "status").String())

	s.Run("Should admit then readmit a guest pass", func() {
		code, body := s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: token, DeviceID: "door-1"})
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), "first_entry", gjson.Get(body, "outcome").String())

		code, body = s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: token, DeviceID: "door-1"})
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), "reentry", gjson.Get(body, "outcome").String())
	})

	s.Run("Should list the scan history", func() {
		code, body := s.do("GET", fmt.Sprintf("/api/v1/credentials/%s/scans", token), types.ROLE_OPERATOR, nil)
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), int64(3), gjson.Get(body, "count").Int())
	})

	s.Run("Should accept an encrypted pass code", func() {
		code, body := s.do("GET", fmt.Sprintf("/api/v1/passes/%s/code?format=text", token), types.ROLE_BOX, nil)
		require.Equal(s.T(), http.StatusOK, code, body)
		passCode := gjson.Get(body, "code").String()
		assert.NotEmpty(s.T(), passCode)

		code, body = s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Code: passCode, DeviceID: "door-2"})
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), "reentry", gjson.Get(body, "outcome").String())
	})

	s.Run("Should keep the status history", func() {
		code, body := s.do("GET", fmt.Sprintf("/api/v1/reservations/%d/history", id), types.ROLE_BOX, nil)
		require.Equal(s.T(), http.StatusOK, code, body)
		assert.Equal(s.T(), "confirmed", gjson.Get(body, "data.0.to").String())
		assert.Equal(s.T(), "checked_in", gjson.Get(body, "data.1.to").String())
	})

	s.Run("Should refuse to cancel a checked in reservation", func() {
		code, body := s.do("PUT", fmt.Sprintf("/api/v1/reservations/%d/cancel", id), types.ROLE_BOX, types.CancelReservationRequestBody{Reason: "changed mind"})
		assert.Equal(s.T(), http.StatusConflict, code)
		assert.Equal(s.T(), "InvalidTransition", gjson.Get(body, "code").String())
	})
}

func (s *TestSuite) TestUnknownCredentialIsRejected() {
	code, body := s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: "nope", DeviceID: "door-1"})
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), "rejected", gjson.Get(body, "outcome").String())
	assert.Equal(s.T(), "not found", gjson.Get(body, "reason").String())

	code, _ = s.do("GET", "/api/v1/passes/nope/code?format=text", types.ROLE_BOX, nil)
	assert.Equal(s.T(), http.StatusNotFound, code)

	code, body = s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Code: strings.Repeat("ab", 70), DeviceID: "door-1"})
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), "rejected", gjson.Get(body, "outcome").String())
	assert.Equal(s.T(), "not found", gjson.Get(body, "reason").String())
}

func (s *TestSuite) TestTickets() {
	now := time.Now().UTC()
	code, body := s.do("POST", "/api/v1/events", types.ROLE_ADMIN, types.CreateEventRequestBody{
		Name:     "Saturday",
		StartsAt: now.Add(time.Hour),
		EndsAt:   now.Add(6 * time.Hour),
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	eventID := gjson.Get(body, "id").Int()
	code, body = s.do("POST", "/api/v1/resources", types.ROLE_ADMIN, types.CreateResourceRequestBody{
		EventID: uint(eventID), Name: "Floor", Kind: types.RESOURCE_GENERAL, Capacity: 100,
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	resourceID := gjson.Get(body, "id").Int()

	code, body = s.do("POST", "/api/v1/tickets", types.ROLE_BOX, types.IssueTicketRequestBody{
		EventID: uint(eventID), ResourceID: uint(resourceID), HolderName: "Cy", HolderEmail: "cy@example.com",
	})
	require.Equal(s.T(), http.StatusCreated, code, body)
	token := gjson.Get(body, "token").String()
	require.NotEmpty(s.T(), token)

	code, body = s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: token, DeviceID: "door-1"})
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), "first_entry", gjson.Get(body, "outcome").String())

	code, body = s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, types.ScanRequestBody{Token: token, DeviceID: "door-1"})
	require.Equal(s.T(), http.StatusOK, code, body)
	assert.Equal(s.T(), "already used", gjson.Get(body, "reason").String())
}

func (s *TestSuite) TestValidation() {
	code, body := s.do("POST", "/api/v1/scans", types.ROLE_OPERATOR, map[string]any{"device_id": "door-1"})
	assert.Equal(s.T(), http.StatusBadRequest, code)
	assert.Equal(s.T(), "Validation", gjson.Get(body, "code").String())

	code, _ = s.do("POST", "/api/v1/events", types.ROLE_ADMIN, map[string]any{"name": "x"})
	assert.Equal(s.T(), http.StatusBadRequest, code)
}

func (s *TestSuite) TestStripeWebhookRejectsBadSignature() {
	req, _ := http.NewRequest("POST", "/api/v1/webhook/stripe", strings.NewReader(`{"type":"payment_intent.succeeded"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

func TestPaymentFromStripe(t *testing.T) {
	event := func(kind, raw string) stripe.Event {
		return stripe.Event{Type: stripe.EventType(kind), Data: &stripe.EventData{Raw: json.RawMessage(raw)}}
	}

	p, ok, err := paymentFromStripe(event("payment_intent.succeeded", `{"id":"pi_1","metadata":{"reservation_id":"42"}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(42), p.ReservationID)
	assert.Equal(t, "pi_1", p.PaymentReference)

	p, ok, err = paymentFromStripe(event("checkout.session.completed", `{"id":"cs_1","payment_status":"paid","payment_intent":{"id":"pi_2"},"metadata":{"reservation_id":"7"}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pi_2", p.PaymentReference)

	_, ok, _ = paymentFromStripe(event("checkout.session.completed", `{"id":"cs_2","payment_status":"unpaid","metadata":{"reservation_id":"7"}}`))
	assert.False(t, ok)
	_, ok, _ = paymentFromStripe(event("payment_intent.succeeded", `{"id":"pi_3","metadata":{}}`))
	assert.False(t, ok)
	_, ok, _ = paymentFromStripe(event("customer.created", `{}`))
	assert.False(t, ok)
}

func TestRunner(t *testing.T) {
	suite.Run(t, new(TestSuite))
}
