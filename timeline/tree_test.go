package timeline

import (
	"errors"
	"reflect"
	"testing"
)

func TestOrderedSortsSiblingsByOrderKey(t *testing.T) {
	records := []Record{
		{ID: "a", Type: RecordTypeStage, Name: "A"},
		{ID: "b", ParentID: "a", Type: RecordTypeJob, Name: "B", Order: 2},
		{ID: "c", ParentID: "a", Type: RecordTypeJob, Name: "C", Order: 1},
	}

	tree, err := NewTree(records)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	var names []string
	for _, record := range tree.Ordered() {
		names = append(names, record.Name)
	}
	expected := []string{"A", "C", "B"}
	if !reflect.DeepEqual(names, expected) {
		t.Fatalf("expected order %v, got %v", expected, names)
	}
}

func TestOrderedDeterministicUnderPermutation(t *testing.T) {
	records := []Record{
		{ID: "s", Type: RecordTypeStage, Name: "Stage", Order: 1},
		{ID: "p", ParentID: "s", Type: RecordTypePhase, Name: "Phase", Order: 1},
		{ID: "j1", ParentID: "p", Type: RecordTypeJob, Name: "Job 1", Order: 2},
		{ID: "j2", ParentID: "p", Type: RecordTypeJob, Name: "Job 2", Order: 1},
		{ID: "t1", ParentID: "j1", Type: RecordTypeTask, Name: "Task", Order: 1},
	}

	base, err := NewTree(records)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	want := base.Ordered()

	permuted := []Record{records[4], records[2], records[0], records[3], records[1]}
	other, err := NewTree(permuted)
	if err != nil {
		t.Fatalf("build permuted tree: %v", err)
	}
	if got := other.Ordered(); !reflect.DeepEqual(got, want) {
		t.Fatalf("permuted input changed ordering:\nwant %v\ngot  %v", want, got)
	}
}

func TestDegenerateForestReturnsEmpty(t *testing.T) {
	records := []Record{
		{ID: "a", ParentID: "b", Type: RecordTypeJob, Name: "A"},
		{ID: "b", ParentID: "c", Type: RecordTypeJob, Name: "B"},
	}

	tree, err := NewTree(records)
	if err != nil {
		t.Fatalf("expected degenerate input to succeed, got %v", err)
	}
	if ordered := tree.Ordered(); len(ordered) != 0 {
		t.Fatalf("expected empty sequence, got %d records", len(ordered))
	}
}

func TestUnknownParentIsStructuralError(t *testing.T) {
	records := []Record{
		{ID: "a", Type: RecordTypeStage, Name: "A"},
		{ID: "b", ParentID: "missing", Type: RecordTypeJob, Name: "B"},
	}

	_, err := NewTree(records)
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
	if structural.RecordID != "b" || structural.ParentID != "missing" {
		t.Fatalf("unexpected error detail: %+v", structural)
	}
}

func TestPathReturnsRootToLeafNames(t *testing.T) {
	records := []Record{
		{ID: "s", Type: RecordTypeStage, Name: "Build"},
		{ID: "p", ParentID: "s", Type: RecordTypePhase, Name: "Linux"},
		{ID: "j", ParentID: "p", Type: RecordTypeJob, Name: "x64"},
		{ID: "t", ParentID: "j", Type: RecordTypeTask, Name: "Compile"},
	}

	tree, err := NewTree(records)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	expected := []string{"Build", "Linux", "x64", "Compile"}
	if got := tree.Path("t"); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected path %v, got %v", expected, got)
	}
	if got := tree.Path("nope"); got != nil {
		t.Fatalf("expected nil path for unknown id, got %v", got)
	}
}

func TestMergeAttemptsDedupesByID(t *testing.T) {
	first := []Record{{ID: "a", Name: "old"}, {ID: "b", Name: "b"}}
	second := []Record{{ID: "a", Name: "new"}, {ID: "c", Name: "c"}}

	merged := MergeAttempts(first, second)
	if len(merged) != 3 {
		t.Fatalf("expected 3 records, got %d", len(merged))
	}
	if merged[0].Name != "old" {
		t.Fatalf("expected first occurrence to win, got %q", merged[0].Name)
	}
}
