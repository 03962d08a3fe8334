package knownissue

import (
	"context"
	"strings"
	"testing"
)

func TestMatchTextCaseInsensitive(t *testing.T) {
	issues := []KnownIssue{
		{Repo: "core/infra", Number: 1, Patterns: []string{"Dial TCP"}},
		{Repo: "core/infra", Number: 2, Patterns: []string{"no space left"}},
	}

	matched := PatternMatcher{}.MatchText("dial tcp 10.0.0.1:443: i/o timeout", issues)
	if len(matched) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matched))
	}
	if matched[0].Number != 1 {
		t.Fatalf("unexpected match: %+v", matched[0])
	}
}

func TestMatchTextDedupesByIdentity(t *testing.T) {
	issues := []KnownIssue{
		{Repo: "core/infra", Number: 7, Patterns: []string{"timeout"}},
		{Repo: "core/infra", Number: 7, Patterns: []string{"dial tcp"}},
	}

	matched := PatternMatcher{}.MatchText("dial tcp: timeout", issues)
	if len(matched) != 1 {
		t.Fatalf("expected identity dedupe, got %d matches", len(matched))
	}
}

func TestMatchStreamScansLines(t *testing.T) {
	log := "restoring packages\nerror NU1301: unable to load the service index\ndone\n"
	issues := []KnownIssue{
		{Repo: "core/infra", Number: 3, Patterns: []string{"NU1301"}},
		{Repo: "core/infra", Number: 4, Patterns: []string{"unable to load\ndone"}},
	}

	matched, err := PatternMatcher{}.MatchStream(context.Background(), strings.NewReader(log), issues)
	if err != nil {
		t.Fatalf("match stream: %v", err)
	}
	if len(matched) != 1 || matched[0].Number != 3 {
		t.Fatalf("expected only the line-local pattern to match, got %+v", matched)
	}
}

func TestMatchStreamCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	issues := []KnownIssue{{Repo: "core/infra", Number: 3, Patterns: []string{"x"}}}
	_, err := PatternMatcher{}.MatchStream(ctx, strings.NewReader("line\n"), issues)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestWithPatternsFiltersEmpty(t *testing.T) {
	issues := []KnownIssue{
		{Repo: "r", Number: 1},
		{Repo: "r", Number: 2, Patterns: []string{"boom"}},
	}
	filtered := WithPatterns(issues)
	if len(filtered) != 1 || filtered[0].Number != 2 {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}
}
