package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPChecker_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestHTTPChecker_UnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
	if !strings.Contains(result.Message, "503") {
		t.Errorf("Expected status code in message, got: %s", result.Message)
	}
}

func TestHTTPChecker_RedirectIsUnhealthy(t *testing.T) {
	// Sidecars answer 200 directly; anything else, including a redirect,
	// means something other than the agent is speaking.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy for 301, got healthy: %s", result.Message)
	}
}

func TestProbeURLConstruction(t *testing.T) {
	ready := NewReadyChecker("10.0.0.5:8080")
	if ready.URL != "http://10.0.0.5:8080/ready" {
		t.Errorf("Unexpected ready URL: %s", ready.URL)
	}

	live := NewHealthChecker("10.0.0.5:8080")
	if live.URL != "http://10.0.0.5:8080/health" {
		t.Errorf("Unexpected health URL: %s", live.URL)
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy due to timeout, got healthy: %s", result.Message)
	}
}

func TestHTTPChecker_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checker.Check(ctx)
	if result.Healthy {
		t.Errorf("Expected unhealthy due to cancelled context, got healthy: %s", result.Message)
	}
}

func TestStatus_TwoStrikeHysteresis(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 2}

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	pass := Result{Healthy: true, CheckedAt: time.Now()}

	// First failure: still healthy.
	status.Update(fail, config)
	if !status.Healthy {
		t.Error("Expected healthy after one failure")
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}

	// Second failure: now unhealthy.
	status.Update(fail, config)
	if status.Healthy {
		t.Error("Expected unhealthy after two failures")
	}

	// One success recovers immediately.
	status.Update(pass, config)
	if !status.Healthy {
		t.Error("Expected healthy after recovery")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure streak reset, got %d", status.ConsecutiveFailures)
	}
}

func TestStatus_SuccessBreaksStreak(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 2}

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	pass := Result{Healthy: true, CheckedAt: time.Now()}

	// fail, pass, fail: never reaches the threshold.
	status.Update(fail, config)
	status.Update(pass, config)
	status.Update(fail, config)

	if !status.Healthy {
		t.Error("Expected healthy: failures were not consecutive")
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("Expected streak of 1, got %d", status.ConsecutiveFailures)
	}
}

func TestStatus_StartPeriod(t *testing.T) {
	status := NewStatus()

	if !status.InStartPeriod(Config{StartPeriod: time.Hour}) {
		t.Error("Expected fresh status to be inside start period")
	}
	if status.InStartPeriod(Config{StartPeriod: 0}) {
		t.Error("Expected zero start period to be disabled")
	}

	status.StartedAt = time.Now().Add(-time.Minute)
	if status.InStartPeriod(Config{StartPeriod: time.Second}) {
		t.Error("Expected elapsed start period to be over")
	}
}
