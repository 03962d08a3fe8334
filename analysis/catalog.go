package analysis

import (
	"context"

	"github.com/izavyalov-dev/triage-ci/knownissue"
)

// assembleCatalog builds the known-issue catalog for one build:
// infrastructure-wide issues plus repository-specific issues. Repository
// resolution failures are not errors; the repository-specific portion is
// simply omitted.
func (a *Analyzer) assembleCatalog(ctx context.Context, build Build) ([]knownissue.KnownIssue, error) {
	catalog, err := a.issues.InfrastructureIssues(ctx)
	if err != nil {
		return nil, err
	}

	repo := build.Repository
	if build.Internal {
		hosted, supported, err := a.mapper.MapRepository(ctx, build.Project, build.Repository)
		if err != nil || !supported {
			if err != nil {
				a.logger.Warn("repository mapping failed, omitting repository issues",
					"event", "repo_mapping_failed", "project", build.Project, "repo", build.Repository, "error", err)
			}
			repo = ""
		} else {
			repo = hosted
		}
	}

	if repo != "" {
		repoIssues, err := a.issues.RepositoryIssues(ctx, repo)
		if err != nil {
			a.logger.Warn("repository issue lookup failed, omitting repository issues",
				"event", "repo_issues_failed", "repo", repo, "error", err)
		} else {
			catalog = append(catalog, repoIssues...)
		}
	}

	return knownissue.Dedupe(knownissue.WithPatterns(catalog)), nil
}
