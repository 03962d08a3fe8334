package azdo

import (
	"context"
	"strings"
)

// StaticMapper resolves internally-hosted project repositories to their
// hosted mirrors from a fixed mapping. Unmapped repositories are
// reported as unsupported rather than failing the analysis.
type StaticMapper struct {
	mapping map[string]string
}

// NewStaticMapper builds a mapper from "project/repo=owner/name" pairs.
func NewStaticMapper(pairs []string) *StaticMapper {
	mapping := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		source, target, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		source = strings.TrimSpace(source)
		target = strings.TrimSpace(target)
		if source != "" && target != "" {
			mapping[source] = target
		}
	}
	return &StaticMapper{mapping: mapping}
}

func (m *StaticMapper) MapRepository(ctx context.Context, project, repo string) (string, bool, error) {
	if mapped, ok := m.mapping[project+"/"+repo]; ok {
		return mapped, true, nil
	}
	if mapped, ok := m.mapping[repo]; ok {
		return mapped, true, nil
	}
	return "", false, nil
}
