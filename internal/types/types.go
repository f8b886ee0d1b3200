// Package types defines the core data model shared by every megamemory
// package: concepts (nodes), typed relations between them (edges), and
// the append-only timeline of tool invocations.
package types

import (
	"fmt"
	"strings"
	"time"
)

// NodeKind is the closed set of concept kinds a node may have.
type NodeKind string

const (
	KindFeature   NodeKind = "feature"
	KindModule    NodeKind = "module"
	KindPattern   NodeKind = "pattern"
	KindConfig    NodeKind = "config"
	KindDecision  NodeKind = "decision"
	KindComponent NodeKind = "component"
)

// validNodeKinds is the membership set backing IsValid.
var validNodeKinds = map[NodeKind]bool{
	KindFeature:   true,
	KindModule:    true,
	KindPattern:   true,
	KindConfig:    true,
	KindDecision:  true,
	KindComponent: true,
}

// IsValid reports whether k is one of the closed set of node kinds.
func (k NodeKind) IsValid() bool {
	return validNodeKinds[k]
}

// RelationType is the closed set of edge relation types.
type RelationType string

const (
	RelConnectsTo   RelationType = "connects_to"
	RelDependsOn    RelationType = "depends_on"
	RelImplements   RelationType = "implements"
	RelCalls        RelationType = "calls"
	RelConfiguredBy RelationType = "configured_by"
)

var validRelationTypes = map[RelationType]bool{
	RelConnectsTo:   true,
	RelDependsOn:    true,
	RelImplements:   true,
	RelCalls:        true,
	RelConfiguredBy: true,
}

// IsValid reports whether r is one of the closed set of relation types.
func (r RelationType) IsValid() bool {
	return validRelationTypes[r]
}

// mergeSuffixes are the two id suffixes reserved for the merge engine.
// Tool-layer id validation rejects them on any caller-supplied id.
var mergeSuffixes = [...]string{"::left", "::right"}

// HasReservedMergeSuffix reports whether id ends in a merge-engine-reserved
// suffix and therefore cannot be accepted as a caller-supplied id.
func HasReservedMergeSuffix(id string) bool {
	for _, suf := range mergeSuffixes {
		if strings.HasSuffix(id, suf) {
			return true
		}
	}
	return false
}

// CanonicalID strips any trailing merge-engine suffix from id.
func CanonicalID(id string) string {
	for _, suf := range mergeSuffixes {
		if strings.HasSuffix(id, suf) {
			return id[:len(id)-len(suf)]
		}
	}
	return id
}

// Node is a single concept in the knowledge graph.
type Node struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Kind          NodeKind   `json:"kind" yaml:"kind"`
	Summary       string     `json:"summary" yaml:"summary"`
	Why           string     `json:"why,omitempty" yaml:"why,omitempty"`
	FileRefs      []string   `json:"file_refs,omitempty" yaml:"file_refs,omitempty"`
	ParentID      string     `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	CreatedByTask string     `json:"created_by_task,omitempty" yaml:"created_by_task,omitempty"`
	Embedding     []float32  `json:"-" yaml:"-"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at"`
	RemovedAt     *time.Time `json:"removed_at,omitempty" yaml:"removed_at,omitempty"`
	RemovedReason string     `json:"removed_reason,omitempty" yaml:"removed_reason,omitempty"`

	// Merge metadata, set by the merge engine on conflicting variants and
	// cleared by resolve_conflict. A node with NeedsMerge true always has
	// a non-empty MergeGroup (invariant §3(7)).
	MergeGroup     string     `json:"merge_group,omitempty" yaml:"merge_group,omitempty"`
	NeedsMerge     bool       `json:"needs_merge" yaml:"needs_merge"`
	SourceBranch   string     `json:"source_branch,omitempty" yaml:"source_branch,omitempty"`
	MergeTimestamp *time.Time `json:"merge_timestamp,omitempty" yaml:"merge_timestamp,omitempty"`
}

// IsRemoved reports whether the node has been soft-deleted.
func (n *Node) IsRemoved() bool {
	return n.RemovedAt != nil
}

// Validate checks the node's required fields, closed-set enums, and the
// merge-suffix reservation.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("node id is required")
	}
	if HasReservedMergeSuffix(n.ID) {
		return fmt.Errorf("node id %q uses a merge-reserved suffix", n.ID)
	}
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("node name is required")
	}
	if !n.Kind.IsValid() {
		return fmt.Errorf("invalid node kind: %q", n.Kind)
	}
	if n.NeedsMerge && n.MergeGroup == "" {
		return fmt.Errorf("node %q: needs_merge set without a merge_group", n.ID)
	}
	return nil
}

// ContentEqual reports whether two nodes are identical in every field that
// matters for merge comparison: name, kind, summary, why, parent, file
// refs, and removed-state. Timestamps, embeddings, and merge metadata are
// ignored so that independently-recomputed copies of the same concept
// still compare equal.
func (n *Node) ContentEqual(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.Name == other.Name &&
		n.Kind == other.Kind &&
		n.Summary == other.Summary &&
		n.Why == other.Why &&
		n.ParentID == other.ParentID &&
		n.IsRemoved() == other.IsRemoved() &&
		stringSlicesEqual(n.FileRefs, other.FileRefs)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Edge is a typed, directed relationship between two nodes.
type Edge struct {
	ID          int64        `json:"id" yaml:"id"`
	FromID      string       `json:"from_id" yaml:"from_id"`
	ToID        string       `json:"to_id" yaml:"to_id"`
	Relation    RelationType `json:"relation" yaml:"relation"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`

	MergeGroup     string     `json:"merge_group,omitempty" yaml:"merge_group,omitempty"`
	NeedsMerge     bool       `json:"needs_merge" yaml:"needs_merge"`
	SourceBranch   string     `json:"source_branch,omitempty" yaml:"source_branch,omitempty"`
	MergeTimestamp *time.Time `json:"merge_timestamp,omitempty" yaml:"merge_timestamp,omitempty"`
}

// Validate checks the edge's required fields and closed-set enum. Unlike
// nodes, edges are not id-addressed, so no merge-suffix check applies here.
func (e *Edge) Validate() error {
	if strings.TrimSpace(e.FromID) == "" || strings.TrimSpace(e.ToID) == "" {
		return fmt.Errorf("edge requires both from_id and to_id")
	}
	if e.FromID == e.ToID {
		return fmt.Errorf("edge cannot connect a node to itself")
	}
	if !e.Relation.IsValid() {
		return fmt.Errorf("invalid relation type: %q", e.Relation)
	}
	return nil
}

// ContentEqual reports whether two edges describe the same relation,
// ignoring their surrogate ID, creation time, and merge metadata.
func (e *Edge) ContentEqual(other *Edge) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.FromID == other.FromID &&
		e.ToID == other.ToID &&
		e.Relation == other.Relation &&
		e.Description == other.Description
}

// TimelineEntry is a single append-only audit record of one tool
// invocation: which operation ran, what it was asked to do, what it did,
// and whether it wrote to or merely read the graph.
type TimelineEntry struct {
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Tool          string    `json:"tool"`
	Params        string    `json:"params,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
	IsWrite       bool      `json:"is_write"`
	IsError       bool      `json:"is_error"`
	AffectedIDs   []string  `json:"affected_ids,omitempty"`
}

// Stats summarizes the current state of the graph for reporting.
type Stats struct {
	TotalNodes    int            `json:"total_nodes"`
	ActiveNodes   int            `json:"active_nodes"`
	RemovedNodes  int            `json:"removed_nodes"`
	TotalEdges    int            `json:"total_edges"`
	KindBreakdown map[string]int `json:"kind_breakdown"`
}
