package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetQuotaStatusParsesHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(oracleResponse{
			WithinQuota: true,
			HealthEmoji: "green",
			Daily:       42,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	status := c.GetQuotaStatus(context.Background(), "openai")
	if !status.WithinQuota || status.Health != HealthGreen || status.DailyUsagePct != 42 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetQuotaStatusFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var failedProvider string
	c := New(srv.URL, nil)
	c.OnFailOpen = func(provider string, err error) { failedProvider = provider }

	status := c.GetQuotaStatus(context.Background(), "openai")
	if !status.WithinQuota || status.Health != HealthYellow {
		t.Fatalf("expected fail-open status, got %+v", status)
	}
	if failedProvider != "openai" {
		t.Fatalf("expected OnFailOpen callback invoked for openai, got %q", failedProvider)
	}
}

func TestGetQuotaStatusFailsOpenOnUnreachableHost(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	status := c.GetQuotaStatus(context.Background(), "openai")
	if !status.WithinQuota {
		t.Fatalf("expected fail-open withinQuota=true, got %+v", status)
	}
}
