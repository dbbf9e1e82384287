package locator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLocateOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/locate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["device_id"] != "dev-1" {
			t.Errorf("device_id = %q", req["device_id"])
		}
		acc := 12.5
		_ = json.NewEncoder(w).Encode(map[string]any{
			"latitude": 14.5995, "longitude": 120.9842, "accuracy": acc, "status": "ok",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	fix, err := c.Locate(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if fix.Latitude != 14.5995 || fix.Longitude != 120.9842 {
		t.Errorf("fix = %+v", fix)
	}
	if fix.AccuracyMeters == nil || *fix.AccuracyMeters != 12.5 {
		t.Errorf("accuracy = %v", fix.AccuracyMeters)
	}
}

func TestLocateUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"permission denied", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "permission denied", http.StatusForbidden)
		}},
		{"no fix", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "no_fix"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := New(srv.URL, false)
			if _, err := c.Locate(context.Background(), "dev-1"); !errors.Is(err, ErrUnavailable) {
				t.Errorf("got %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestLocateSkipMode(t *testing.T) {
	c := New("http://unused", true)
	if _, err := c.Locate(context.Background(), "dev-1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("skip mode must not invent a position, got %v", err)
	}
}
