package azdo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/izavyalov-dev/triage-ci/analysis"
)

type buildListPayload struct {
	Value []buildPayload `json:"value"`
}

// RelatedBuilds lists the newest build per pipeline definition for a
// commit, ordered by finish time.
func (c *Client) RelatedBuilds(ctx context.Context, org, project, commit string) ([]analysis.Build, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds", org, project)
	query := url.Values{}
	query.Set("sourceVersion", commit)
	query.Set("queryOrder", "finishTimeDescending")

	var payload buildListPayload
	if err := c.getJSON(ctx, "related_builds", path, query, &payload); err != nil {
		return nil, err
	}

	seen := make(map[int]struct{}, len(payload.Value))
	builds := make([]analysis.Build, 0, len(payload.Value))
	for _, raw := range payload.Value {
		if _, ok := seen[raw.Definition.ID]; ok {
			continue
		}
		seen[raw.Definition.ID] = struct{}{}
		builds = append(builds, c.convertBuild(org, project, raw))
	}
	return builds, nil
}

// RetryBuild asks the provider to retry a failed build.
func (c *Client) RetryBuild(ctx context.Context, ref analysis.BuildRef) error {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d", ref.Org, ref.Project, ref.ID)
	query := url.Values{}
	query.Set("retry", "true")
	if err := c.doJSON(ctx, "retry_build", "PATCH", path, query, nil, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: build %s", analysis.ErrBuildNotFound, strconv.Itoa(ref.ID))
		}
		return err
	}
	return nil
}
