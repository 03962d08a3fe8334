package repoconfig

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/izavyalov-dev/triage-ci/internal/observability"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the triage policy file lives inside a repository.
const DefaultPath = ".config/triage.yml"

// Policy is the per-repository/branch triage configuration.
type Policy struct {
	// Pipelines filters which pipeline definitions are analyzed. An
	// empty allow list analyzes everything not denied.
	Pipelines PipelineFilter `yaml:"pipelines"`
	// MergeOnKnownIssues, when set, overrides whether failures fully
	// explained by known issues still produce a passing check.
	MergeOnKnownIssues *bool `yaml:"merge_on_known_issues,omitempty"`
}

// PipelineFilter is an allow/deny list over pipeline definition names.
type PipelineFilter struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Allows reports whether the named pipeline should be analyzed. Deny
// wins over allow; names support path-style globs.
func (p Policy) Allows(pipeline string) bool {
	for _, pattern := range p.Pipelines.Deny {
		if matchName(pattern, pipeline) {
			return false
		}
	}
	if len(p.Pipelines.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Pipelines.Allow {
		if matchName(pattern, pipeline) {
			return true
		}
	}
	return false
}

func matchName(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}

// Parse decodes a policy file. A malformed file returns the zero policy
// (analyze everything, no merge override) together with the parse error
// so callers can log it.
func Parse(data []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse triage policy: %w", err)
	}
	return policy, nil
}

// FileFetcher retrieves a file from a repository at a branch.
type FileFetcher interface {
	FetchFile(ctx context.Context, repo, branch, filePath string) ([]byte, error)
}

// Source resolves triage policies per repository/branch.
type Source interface {
	Policy(ctx context.Context, repo, branch string) (Policy, error)
}

// FileSource reads the policy file from the repository itself. Missing or
// malformed files degrade to the zero policy.
type FileSource struct {
	Fetcher FileFetcher
	Path    string
	Logger  *slog.Logger
}

// NewFileSource builds a policy source over the given fetcher.
func NewFileSource(fetcher FileFetcher, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = observability.NewLogger("repoconfig")
	}
	return &FileSource{Fetcher: fetcher, Path: DefaultPath, Logger: logger}
}

func (s *FileSource) Policy(ctx context.Context, repo, branch string) (Policy, error) {
	data, err := s.Fetcher.FetchFile(ctx, repo, branch, s.Path)
	if err != nil {
		s.Logger.Info("no triage policy file, using defaults",
			"event", "policy_missing", "repo", repo, "branch", branch)
		return Policy{}, nil
	}
	policy, err := Parse(data)
	if err != nil {
		s.Logger.Warn("malformed triage policy, using defaults",
			"event", "policy_malformed", "repo", repo, "branch", branch, "error", err)
		return Policy{}, nil
	}
	return policy, nil
}
