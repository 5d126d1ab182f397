package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthStatusServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "store up redis disabled",
			setup:      func(h *HealthStatus) { h.SetStoreOK(true) },
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "redis enabled but down",
			setup: func(h *HealthStatus) {
				h.SetStoreOK(true)
				h.SetRedisEnabled(true)
				h.mu.Lock()
				h.RedisConnected = false
				h.mu.Unlock()
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "store down",
			setup:      func(h *HealthStatus) { h.SetStoreOK(false) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus(nil)
			tt.setup(h)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got := body["status"]; got != tt.wantStatus {
				t.Errorf("status = %v, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestHealthStatusReportsSessionsAndLatency(t *testing.T) {
	lat := NewLatencyTracker(16)
	lat.Record(1.0)
	lat.Record(3.0)

	h := NewHealthStatus(lat)
	h.SetStoreOK(true)
	h.SetSessionsFn(func() int { return 7 })
	h.NoteVendorRetry("hist_clamp")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Sessions      int          `json:"sessions_active"`
		VendorRetries int64        `json:"vendor_retries"`
		LastRetryKind string       `json:"last_vendor_retry_kind"`
		EmitLatency   LatencyStats `json:"emit_latency"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Sessions != 7 {
		t.Errorf("sessions_active = %d, want 7", body.Sessions)
	}
	if body.VendorRetries != 1 || body.LastRetryKind != "hist_clamp" {
		t.Errorf("vendor retries = %d/%q, want 1/hist_clamp", body.VendorRetries, body.LastRetryKind)
	}
	if body.EmitLatency.Samples != 2 {
		t.Errorf("latency samples = %d, want 2", body.EmitLatency.Samples)
	}
}
