package knownissue

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Matcher reports which known issues occur in free text or a log stream.
// Implementations must be deterministic and side-effect-free.
type Matcher interface {
	MatchText(text string, issues []KnownIssue) []KnownIssue
	MatchStream(ctx context.Context, r io.Reader, issues []KnownIssue) ([]KnownIssue, error)
}

// PatternMatcher matches known-issue patterns as case-insensitive
// substrings. Log streams are scanned line by line so patterns never span
// line boundaries.
type PatternMatcher struct {
	// MaxLineLen bounds the scanner buffer for log streams. Zero means
	// the default of 1 MiB.
	MaxLineLen int
}

const defaultMaxLineLen = 1 << 20

func (m PatternMatcher) MatchText(text string, issues []KnownIssue) []KnownIssue {
	if text == "" || len(issues) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var matched []KnownIssue
	for _, issue := range issues {
		if matchesAny(lower, issue.Patterns) {
			matched = append(matched, issue)
		}
	}
	return Dedupe(matched)
}

func (m PatternMatcher) MatchStream(ctx context.Context, r io.Reader, issues []KnownIssue) ([]KnownIssue, error) {
	if len(issues) == 0 {
		return nil, nil
	}

	maxLine := m.MaxLineLen
	if maxLine <= 0 {
		maxLine = defaultMaxLineLen
	}

	remaining := make(map[Identity]KnownIssue, len(issues))
	order := make([]Identity, 0, len(issues))
	for _, issue := range issues {
		id := issue.Identity()
		if _, ok := remaining[id]; ok {
			continue
		}
		remaining[id] = issue
		order = append(order, id)
	}
	matched := make(map[Identity]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.ToLower(scanner.Text())
		for id, issue := range remaining {
			if _, done := matched[id]; done {
				continue
			}
			if matchesAny(line, issue.Patterns) {
				matched[id] = struct{}{}
			}
		}
		if len(matched) == len(remaining) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []KnownIssue
	for _, id := range order {
		if _, ok := matched[id]; ok {
			out = append(out, remaining[id])
		}
	}
	return out, nil
}

func matchesAny(lower string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
