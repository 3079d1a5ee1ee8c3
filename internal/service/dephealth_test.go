package service

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoDependencies(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "rib",
		Group:         "rib",
		CheckInterval: time.Second,
	}, testLogger(), prometheus.NewRegistry())
	if !errors.Is(err, ErrNoDependencies) {
		t.Errorf("ожидали ErrNoDependencies, получили %v", err)
	}
}

func TestNewDephealthService_JWKSOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "rib",
		Group:         "rib",
		JWKSURL:       srv.URL + "/realms/rib/protocol/openid-connect/certs",
		CheckInterval: time.Second,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewDephealthService: %v", err)
	}
	deps := ds.Dependencies()
	if len(deps) != 1 || deps[0] != "jwks" {
		t.Errorf("зависимости: %v", deps)
	}
}
