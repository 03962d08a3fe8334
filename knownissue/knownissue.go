package knownissue

// Kind tags a known issue with the failure class it explains.
type Kind string

const (
	KindBuild          Kind = "Build"
	KindTest           Kind = "Test"
	KindInfrastructure Kind = "Infrastructure"
)

// Identity is the hosted-issue identity known issues are deduplicated by.
type Identity struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// KnownIssue is a catalogued, previously-triaged failure pattern linked
// to a hosted issue.
type KnownIssue struct {
	Repo       string   `json:"repo"`
	Number     int      `json:"number"`
	Title      string   `json:"title,omitempty"`
	URL        string   `json:"url,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Kind       Kind     `json:"kind"`
	Patterns   []string `json:"patterns,omitempty"`
	RetryBuild bool     `json:"retry_build,omitempty"`
}

// Identity returns the hosted-issue identity of the known issue.
func (k KnownIssue) Identity() Identity {
	return Identity{Repo: k.Repo, Number: k.Number}
}

// Dedupe removes duplicate known issues by hosted-issue identity, keeping
// the first occurrence.
func Dedupe(issues []KnownIssue) []KnownIssue {
	seen := make(map[Identity]struct{}, len(issues))
	out := issues[:0:0]
	for _, issue := range issues {
		if _, ok := seen[issue.Identity()]; ok {
			continue
		}
		seen[issue.Identity()] = struct{}{}
		out = append(out, issue)
	}
	return out
}

// WithPatterns filters the list to issues carrying at least one
// build-error pattern.
func WithPatterns(issues []KnownIssue) []KnownIssue {
	out := issues[:0:0]
	for _, issue := range issues {
		if len(issue.Patterns) > 0 {
			out = append(out, issue)
		}
	}
	return out
}
