package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/touristsafety/trackengine/internal/consent"
	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/engine"
	"github.com/touristsafety/trackengine/internal/zones"
)

func newTestAPI(t *testing.T) (*gin.Engine, *engine.Engine, *HMACVerifier) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry, err := zones.New(zones.Config{}, logger)
	require.NoError(t, err)

	eng := engine.New(engine.Options{
		Logger:  logger,
		Zones:   registry,
		Consent: consent.New([]byte("salt")),
	})
	verifier := NewHMACVerifier([]byte("secret"), false)
	api := New(eng, verifier, logger, prometheus.NewRegistry())
	return api.Router(), eng, verifier
}

func doJSON(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestVerifier_RoundTripAndTamperRejection(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"), false)
	token := v.Issue("t1", domain.RoleTourist, "Asha")

	p, name, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.ID)
	assert.Equal(t, domain.RoleTourist, p.Role)
	assert.Equal(t, "Asha", name)

	_, _, err = v.Verify(token + "x")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnauthenticated))
}

func TestPostPosition_RequiresToken(t *testing.T) {
	router, _, _ := newTestAPI(t)
	w := doJSON(router, http.MethodPost, "/position", "", gin.H{"lat": 1.0, "lon": 1.0})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostPosition_ConsentRequiredIs403(t *testing.T) {
	router, _, verifier := newTestAPI(t)
	token := verifier.Issue("t1", domain.RoleTourist, "Asha")

	w := doJSON(router, http.MethodPost, "/position", token, gin.H{
		"lat": 28.6142, "lon": 77.2095, "timestamp": time.Now(),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(domain.KindConsentRequired))
}

func TestPostPosition_AcceptedWithConsent(t *testing.T) {
	router, eng, verifier := newTestAPI(t)
	eng.Consent.Set(domain.Consent{TouristID: "t1", ConsentGiven: true, LocationSharing: true})
	token := verifier.Issue("t1", domain.RoleTourist, "Asha")

	w := doJSON(router, http.MethodPost, "/position", token, gin.H{
		"lat": 28.6142, "lon": 77.2095, "accuracy": 5.0, "timestamp": time.Now(),
	})
	require.Equal(t, http.StatusOK, w.Code)

	st, ok := eng.Tourists.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "Asha", st.DisplayName)
}

func TestLivePositions_AuthorityOnly(t *testing.T) {
	router, _, verifier := newTestAPI(t)

	tourist := verifier.Issue("t1", domain.RoleTourist, "Asha")
	w := doJSON(router, http.MethodGet, "/position/live", tourist, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")
	w = doJSON(router, http.MethodGet, "/position/live", authority, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestZoneLifecycleOverHTTP(t *testing.T) {
	router, _, verifier := newTestAPI(t)
	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")

	w := doJSON(router, http.MethodPost, "/geofencing/zones/restricted", authority, gin.H{
		"name": "Perimeter",
		"coordinates": [][]float64{
			{77.2090, 28.6139}, {77.2090, 28.6149}, {77.2100, 28.6149}, {77.2100, 28.6139}, {77.2090, 28.6139},
		},
		"alertLevel": "high",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created zoneJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = doJSON(router, http.MethodGet, "/geofencing/zones", authority, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Restricted []zoneJSON `json:"restricted"`
		Safe       []zoneJSON `json:"safe"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Restricted, 1)
	assert.Empty(t, listing.Safe)

	w = doJSON(router, http.MethodDelete, "/geofencing/zones/"+created.ID, authority, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodDelete, "/geofencing/zones/"+created.ID, authority, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCircularZoneCreation(t *testing.T) {
	router, _, verifier := newTestAPI(t)
	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")

	w := doJSON(router, http.MethodPost, "/geofencing/zones/circular", authority, gin.H{
		"name": "Safe Circle", "center": []float64{77.2090, 28.6139}, "radius": 1000.0,
		"type": "safe", "alertLevel": "low",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created zoneJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "safe", created.Type)
	assert.Equal(t, 1000.0, created.Radius)
	assert.Equal(t, 65, len(created.Coordinates), "64-vertex normalization plus closing vertex")
}

func TestZoneCreation_RejectsTouristAndBadGeometry(t *testing.T) {
	router, _, verifier := newTestAPI(t)

	tourist := verifier.Issue("t1", domain.RoleTourist, "Asha")
	w := doJSON(router, http.MethodPost, "/geofencing/zones/restricted", tourist, gin.H{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")
	w = doJSON(router, http.MethodPost, "/geofencing/zones/restricted", authority, gin.H{
		"name":        "Open ring",
		"coordinates": [][]float64{{0, 0}, {0, 1}, {1, 1}},
		"alertLevel":  "high",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAlerts_LimitValidation(t *testing.T) {
	router, _, verifier := newTestAPI(t)
	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")

	w := doJSON(router, http.MethodGet, "/geofencing/alerts?limit=abc", authority, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/geofencing/alerts", authority, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSOSEndpoints(t *testing.T) {
	router, eng, verifier := newTestAPI(t)
	authority := verifier.Issue("op1", domain.RoleAuthority, "Ops")

	w := doJSON(router, http.MethodPost, "/geofencing/sos/t9/trigger", authority, nil)
	require.Equal(t, http.StatusOK, w.Code)

	st, _ := eng.Tourists.Get("t9")
	assert.True(t, st.SOSActive)

	w = doJSON(router, http.MethodPost, "/geofencing/sos/t9/resolve", authority, nil)
	require.Equal(t, http.StatusOK, w.Code)

	st, _ = eng.Tourists.Get("t9")
	assert.False(t, st.SOSActive)
}

func TestHealthReportsDegradedWithoutHistory(t *testing.T) {
	router, _, _ := newTestAPI(t)
	w := doJSON(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}
