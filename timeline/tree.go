package timeline

import (
	"fmt"
	"sort"
)

// StructuralError indicates a record referenced a parent id that is not
// part of the record set. A build timeline must form a well-formed forest,
// so this is a data-integrity failure rather than a degenerate input.
type StructuralError struct {
	RecordID string
	ParentID string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("timeline: record %s references unknown parent %s", e.RecordID, e.ParentID)
}

type node struct {
	record   Record
	parent   *node
	children []*node
}

// Tree is the reconstructed execution forest for one build attempt,
// rooted at a single virtual node.
type Tree struct {
	root *node
	byID map[string]*node
}

// NewTree builds a tree from a flat record list. Records are attached
// beneath their parent in ascending Order; records without a parent hang
// off the virtual root. If every record names a parent, the input is the
// known-degenerate partial timeline of a canceled build and an empty tree
// is returned.
func NewTree(records []Record) (*Tree, error) {
	tree := &Tree{
		root: &node{},
		byID: make(map[string]*node, len(records)),
	}
	if len(records) == 0 {
		return tree, nil
	}

	anyTopLevel := false
	for _, record := range records {
		if record.ParentID == "" {
			anyTopLevel = true
			break
		}
	}
	if !anyTopLevel {
		return tree, nil
	}

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	for _, record := range sorted {
		tree.byID[record.ID] = &node{record: record}
	}

	for _, record := range sorted {
		child := tree.byID[record.ID]
		if record.ParentID == "" {
			child.parent = tree.root
			tree.root.children = append(tree.root.children, child)
			continue
		}
		parent, ok := tree.byID[record.ParentID]
		if !ok {
			return nil, &StructuralError{RecordID: record.ID, ParentID: record.ParentID}
		}
		child.parent = parent
		parent.children = append(parent.children, child)
	}

	return tree, nil
}

// Ordered returns all records in depth-first pre-order, the canonical
// display order.
func (t *Tree) Ordered() []Record {
	var out []Record
	var walk func(n *node)
	walk = func(n *node) {
		for _, child := range n.children {
			out = append(out, child.record)
			walk(child)
		}
	}
	walk(t.root)
	return out
}

// Lookup returns the record with the given id, if present in the tree.
func (t *Tree) Lookup(id string) (Record, bool) {
	n, ok := t.byID[id]
	if !ok {
		return Record{}, false
	}
	return n.record, true
}

// Path returns the root-to-leaf name list for the given record id, for
// breadcrumb display. The result is nil when the id is unknown.
func (t *Tree) Path(id string) []string {
	n, ok := t.byID[id]
	if !ok {
		return nil
	}
	var names []string
	for ; n != nil && n != t.root; n = n.parent {
		names = append(names, n.record.Name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names
}
