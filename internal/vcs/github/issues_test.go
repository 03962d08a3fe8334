package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/izavyalov-dev/triage-ci/knownissue"
)

func TestExtractPatterns(t *testing.T) {
	body := "Seen on runtime builds.\n\nerror-pattern: `error NU1301`\nError-Pattern: connection reset by peer\nnot a pattern line\nerror-pattern:\n"
	patterns := extractPatterns(body)
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %v", patterns)
	}
	if patterns[0] != "error NU1301" || patterns[1] != "connection reset by peer" {
		t.Fatalf("unexpected patterns: %v", patterns)
	}
}

func TestConvertIssueKindAndRetry(t *testing.T) {
	issue := Issue{
		Number:  42,
		Title:   "NuGet feed flakiness",
		HTMLURL: "https://github.com/corp/infra/issues/42",
		Body:    "error-pattern: error NU1301",
		Labels:  []Label{{Name: "known-build-error"}, {Name: "infrastructure"}, {Name: "retry-on-failure"}},
	}
	ki := convertIssue("corp/infra", issue)
	if ki.Kind != knownissue.KindInfrastructure {
		t.Fatalf("expected infrastructure kind, got %s", ki.Kind)
	}
	if !ki.RetryBuild {
		t.Fatal("expected retry flag from label")
	}
	if ki.Identity() != (knownissue.Identity{Repo: "corp/infra", Number: 42}) {
		t.Fatalf("unexpected identity: %+v", ki.Identity())
	}
}

func TestRepositoryIssuesPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/corp/runtime/issues" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		page := r.URL.Query().Get("page")
		issues := []Issue{}
		if page == "1" {
			for i := 1; i <= 100; i++ {
				issues = append(issues, Issue{Number: i, Body: "error-pattern: boom"})
			}
		} else {
			issues = append(issues, Issue{Number: 101, Body: "error-pattern: boom"})
		}
		json.NewEncoder(w).Encode(issues)
	}))
	defer server.Close()

	client := NewClient("token")
	client.BaseURL = server.URL
	catalog := NewIssueCatalog(client, "corp", "infra")

	issues, err := catalog.RepositoryIssues(context.Background(), "corp/runtime")
	if err != nil {
		t.Fatalf("repository issues: %v", err)
	}
	if len(issues) != 101 {
		t.Fatalf("expected 101 issues across pages, got %d", len(issues))
	}
}

func TestIsMaxLength(t *testing.T) {
	if !IsMaxLength(&APIError{StatusCode: 422, Message: "Validation Failed: summary is too long (maximum is 65535 characters)"}) {
		t.Fatal("expected max-length detection")
	}
	if IsMaxLength(&APIError{StatusCode: 422, Message: "Validation Failed: head_sha missing"}) {
		t.Fatal("unexpected max-length detection for unrelated 422")
	}
	if IsMaxLength(&APIError{StatusCode: 500, Message: "maximum"}) {
		t.Fatal("unexpected max-length detection for 500")
	}
}

func TestPublishUpdatesExistingCheck(t *testing.T) {
	updated := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(checkRunList{CheckRuns: []CheckRunResponse{{ID: 7}}})
		case r.Method == http.MethodPatch:
			if r.URL.Path != "/repos/corp/runtime/check-runs/7" {
				t.Fatalf("unexpected update path %s", r.URL.Path)
			}
			updated = true
			json.NewEncoder(w).Encode(CheckRunResponse{ID: 7})
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient("token")
	client.BaseURL = server.URL
	publisher := NewPublisher(client, nil, "build-triage")

	err := publisher.Publish(context.Background(), "corp/runtime", CheckResult{
		HeadSHA:    "abc123",
		Status:     "completed",
		Conclusion: "success",
		Title:      "All pipelines green",
		Summary:    "ok",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !updated {
		t.Fatal("expected existing check run to be updated")
	}
}
