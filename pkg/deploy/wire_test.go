package deploy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/bgdeploy/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestRoutedChecker_SendsConfiguredHostAndHeaders(t *testing.T) {
	var gotHost, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotHeader = r.Header.Get("X-Deploy-Check")
		if r.Host != "quotes.example.com" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Router.HealthURL = server.URL + "/health"
	cfg.Router.HealthHost = "quotes.example.com"
	cfg.Router.HealthHeaders = map[string]string{"X-Deploy-Check": "routed"}

	result := RoutedChecker(cfg).Check(context.Background())

	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "quotes.example.com", gotHost)
	assert.Equal(t, "routed", gotHeader)
}

func TestRoutedChecker_DefaultHost(t *testing.T) {
	var gotHost string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Router.HealthURL = server.URL

	result := RoutedChecker(cfg).Check(context.Background())

	assert.True(t, result.Healthy)
	assert.Equal(t, server.Listener.Addr().String(), gotHost)
}
