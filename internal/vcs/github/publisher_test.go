package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChecksEnabledProbesRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/corp/runtime":
			w.Write([]byte(`{"id": 1}`))
		case "/repos/corp/hidden":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient("token")
	client.BaseURL = server.URL
	publisher := NewPublisher(client, nil, "build-triage")

	enabled, err := publisher.ChecksEnabled(context.Background(), "corp/runtime")
	if err != nil || !enabled {
		t.Fatalf("expected checks enabled, got %v %v", enabled, err)
	}

	enabled, err = publisher.ChecksEnabled(context.Background(), "corp/hidden")
	if err != nil || enabled {
		t.Fatalf("expected inaccessible repo to disable checks, got %v %v", enabled, err)
	}

	if _, err := publisher.ChecksEnabled(context.Background(), "not-owner-name"); err == nil {
		t.Fatal("expected error for malformed repository name")
	}
}
