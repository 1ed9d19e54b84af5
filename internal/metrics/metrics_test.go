package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesFetchedTotal == nil || fetchBytesTotal == nil ||
		extractionsTotal == nil || circuitTransitionsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveFetch("https://test.com/page", "200", 512)
	if val := testutil.ToFloat64(pagesFetchedTotal.WithLabelValues("test.com", "200")); val != 1 {
		t.Errorf("expected pagesFetchedTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("test.com")); val != 512 {
		t.Errorf("expected fetchBytesTotal to be 512, got %f", val)
	}

	ObserveExtraction("css", "ok")
	if val := testutil.ToFloat64(extractionsTotal.WithLabelValues("css", "ok")); val != 1 {
		t.Errorf("expected extractionsTotal to be 1, got %f", val)
	}

	ObserveCircuitTransition("fetch:test.com", "open")
	if val := testutil.ToFloat64(circuitTransitionsTotal.WithLabelValues("fetch:test.com", "open")); val != 1 {
		t.Errorf("expected circuitTransitionsTotal to be 1, got %f", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
