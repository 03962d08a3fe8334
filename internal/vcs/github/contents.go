package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type contentsPayload struct {
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FetchFile returns the raw content of a file at a branch. Satisfies the
// repository-configuration fetcher contract.
func (c *Client) FetchFile(ctx context.Context, repo, branch, filePath string) ([]byte, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("repository %q is not owner/name", repo)
	}
	path := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s",
		owner, name, strings.TrimLeft(filePath, "/"), url.QueryEscape(branch))

	var payload contentsPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	if payload.Encoding != "base64" {
		return []byte(payload.Content), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s contents: %w", filePath, err)
	}
	return decoded, nil
}
