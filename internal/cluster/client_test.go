package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST method, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 1*time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if !tt.expectError && tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				if (*respMap)["status"] != "ok" {
					t.Errorf("Expected response status 'ok', got %v", *respMap)
				}
			}
		})
	}
}

// TestGetJSON tests the GetJSON function
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		expectError    bool
	}{
		{"successful GET", http.StatusOK, `{"data":"test"}`, false},
		{"not found error", http.StatusNotFound, `{"error":"not found"}`, true},
		{"invalid JSON response", http.StatusOK, `{invalid json}`, true},
		{"redirect response", http.StatusMovedPermanently, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("Expected GET method, got %s", r.Method)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			var out map[string]interface{}
			err := GetJSON(context.Background(), server.URL, &out)
			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if out["data"] != "test" {
					t.Errorf("Expected data 'test', got %v", out["data"])
				}
			}
		})
	}
}

// TestHTTPClient tests that the HTTP client has proper timeout
func TestHTTPClient(t *testing.T) {
	if httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected HTTP client timeout of 5s, got %v", httpClient.Timeout)
	}
}

// TestGlobalClient tests forwarding writes to a remote aggregator
func TestGlobalClient(t *testing.T) {
	var got WriteRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/global/metrics/write":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/global/metrics/counters":
			w.Write([]byte(`{"a":5}`))
		case "/global/broken/write":
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewGlobalClient(server.URL + "/")
	rec := NewWriteRecord(CounterSet{"a": 5}, "metrics~shard1", EventExplicitRequest, CmdFlushToGlobal, 7)

	if err := client.ReceiveWrite(context.Background(), "metrics", rec); err != nil {
		t.Fatalf("ReceiveWrite: %v", err)
	}
	if got.ID != rec.ID || got.Counters["a"] != 5 || got.ShardName != "metrics~shard1" {
		t.Errorf("server received %+v, want %+v", got, rec)
	}

	counters, err := client.Counters(context.Background(), "metrics")
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters["a"] != 5 {
		t.Errorf("Counters() = %v, want a=5", counters)
	}

	if err := client.ReceiveWrite(context.Background(), "broken", rec); err == nil {
		t.Error("Expected error from unavailable aggregator")
	}
}

// TestGlobalClientPing tests the remote health probe
func TestGlobalClientPing(t *testing.T) {
	var unhealthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewGlobalClient(server.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	unhealthy.Store(true)
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Expected error from unhealthy server")
	}

	server.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Expected error from closed server")
	}
}
