package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/storage"
)

// RelatedEntry is the persisted status of one pipeline for a commit.
type RelatedEntry struct {
	BuildID  int    `json:"build_id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Included bool   `json:"included"`
}

// RelatedBuildState tracks every pipeline observed for a commit, keyed by
// pipeline-definition id. It is the only cross-invocation shared mutable
// state in the triage core; it is read, updated, and rewritten once per
// invocation inside the commit lock.
type RelatedBuildState map[string]RelatedEntry

// With returns a copy of the state with the entry for the given pipeline
// definition upserted. The receiver is not modified.
func (s RelatedBuildState) With(definitionID int, entry RelatedEntry) RelatedBuildState {
	next := make(RelatedBuildState, len(s)+1)
	for key, value := range s {
		next[key] = value
	}
	next[strconv.Itoa(definitionID)] = entry
	return next
}

// Entry looks up the persisted entry for a pipeline definition.
func (s RelatedBuildState) Entry(definitionID int) (RelatedEntry, bool) {
	entry, ok := s[strconv.Itoa(definitionID)]
	return entry, ok
}

// StateStore loads and saves the per-commit related-build state.
type StateStore interface {
	// Load returns the state for the commit, empty when none has been
	// persisted yet.
	Load(ctx context.Context, repo, commit string) (RelatedBuildState, error)
	Save(ctx context.Context, repo, commit string, state RelatedBuildState) error
}

type blobStateStore struct {
	blobs analysis.BlobStore
}

// NewBlobStateStore persists related-build state as JSON blobs keyed by
// repository and commit.
func NewBlobStateStore(blobs analysis.BlobStore) StateStore {
	return &blobStateStore{blobs: blobs}
}

func stateKey(repo, commit string) string {
	return fmt.Sprintf("related/%s/%s.json", repo, commit)
}

func (s *blobStateStore) Load(ctx context.Context, repo, commit string) (RelatedBuildState, error) {
	data, err := s.blobs.Get(ctx, stateKey(repo, commit))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RelatedBuildState{}, nil
		}
		return nil, fmt.Errorf("load related-build state: %w", err)
	}
	var state RelatedBuildState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode related-build state: %w", err)
	}
	return state, nil
}

func (s *blobStateStore) Save(ctx context.Context, repo, commit string, state RelatedBuildState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, stateKey(repo, commit), data); err != nil {
		return fmt.Errorf("save related-build state: %w", err)
	}
	return nil
}
