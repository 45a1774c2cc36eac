package policy

import "sync"

// Effect is the internal eight-valued verdict of a node.
// Error is distinct from Deny internally (viral through combiners) but
// collapses to DENY at the external boundary (result.go).
type Effect int

const (
	EffectPermit Effect = iota
	EffectDeny
	EffectPromptOneShot
	EffectPromptSession
	EffectPromptBlanket
	EffectInapplicable
	EffectUndetermined
	EffectError
)

func (e Effect) String() string {
	switch e {
	case EffectPermit:
		return "Permit"
	case EffectDeny:
		return "Deny"
	case EffectPromptOneShot:
		return "PromptOneShot"
	case EffectPromptSession:
		return "PromptSession"
	case EffectPromptBlanket:
		return "PromptBlanket"
	case EffectInapplicable:
		return "Inapplicable"
	case EffectUndetermined:
		return "Undetermined"
	case EffectError:
		return "Error"
	default:
		return "Unknown"
	}
}

// NodeKind tags the variant a Node holds. Using a tagged enum instead
// of a polymorphic TreeNode/Policy/PolicySet/Rule hierarchy lets the
// tree live in a flat arena and be shared across evaluating goroutines
// with a single atomic pointer swap.
type NodeKind int

const (
	KindRule NodeKind = iota
	KindPolicy
	KindPolicySet
)

// CombiningAlgorithm names how a Policy/PolicySet folds its children's
// effects.
type CombiningAlgorithm int

const (
	DenyOverrides CombiningAlgorithm = iota
	PermitOverrides
	FirstApplicable
	FirstMatchingTarget
)

// ParseCombiningAlgorithm maps the XML document's `combine` attribute
// value to a CombiningAlgorithm. An unknown name is a load-time error:
// a policy document must not load with an algorithm no combiner
// implements.
func ParseCombiningAlgorithm(name string) (CombiningAlgorithm, bool) {
	switch name {
	case "deny-overrides":
		return DenyOverrides, true
	case "permit-overrides":
		return PermitOverrides, true
	case "first-applicable":
		return FirstApplicable, true
	case "first-matching-target":
		return FirstMatchingTarget, true
	default:
		return 0, false
	}
}

// ParseRuleEffect maps the XML document's `effect` attribute to an
// Effect. Unknown names are a load-time error (same rationale as
// combining algorithms).
func ParseRuleEffect(name string) (Effect, bool) {
	switch name {
	case "Permit":
		return EffectPermit, true
	case "Deny":
		return EffectDeny, true
	case "PromptOneShot":
		return EffectPromptOneShot, true
	case "PromptSession":
		return EffectPromptSession, true
	case "PromptBlanket":
		return EffectPromptBlanket, true
	default:
		return 0, false
	}
}

// NodeIndex addresses a Node within a Tree's arena.
type NodeIndex int

// invalidIndex marks an absent child/condition slot.
const invalidIndex NodeIndex = -1

// Node is one arena slot: a Rule, Policy, or PolicySet depending on
// Kind. Target and Condition are shared Condition-tree pointers (the
// tree is read-only after load, so sharing is safe). Children holds
// child NodeIndex values, empty for Rule nodes.
type Node struct {
	Kind      NodeKind
	Target    *Condition // predicate over Subject/Resource/Environment; nil matches always
	Condition *Condition // only consulted if Target matched; nil matches always

	Effect    Effect             // valid only when Kind == KindRule
	Combine   CombiningAlgorithm // valid only for KindPolicy/KindPolicySet
	Children  []NodeIndex
	NodeID    string // policy-author-facing identifier, for diagnostics
}

// Tree is the immutable, arena-backed policy tree produced by Loader.
// Evaluation never mutates a Tree; reload replaces the whole value via
// an atomic pointer swap (see loader.go). A freshly-swapped Tree is
// evaluated by multiple goroutines concurrently with no ordering
// guarantee between their first Evaluate calls, so the memoised schema
// below is guarded by sync.Once rather than a bare flag.
type Tree struct {
	Nodes []Node
	Root  NodeIndex

	// schema is the memoised full-tree attribute extraction, computed
	// once on first use by Evaluator, guarded by schemaOnce.
	schemaOnce sync.Once
	schema     *AttributeSet
}

// NewTree wraps a pre-built node arena and root index. Used by Loader.
func NewTree(nodes []Node, root NodeIndex) *Tree {
	return &Tree{Nodes: nodes, Root: root}
}

// Schema returns the full-tree attribute-name schema, computing and
// memoising it on first call. It always performs a full-tree pass
// (policy target attributes at every Policy/PolicySet node, plus every
// Rule's target and condition attributes), which is a superset of what
// any single Condition or Target in the tree references -- the bag the
// PIP resolves against must cover every attribute the walk could touch.
func (t *Tree) Schema() *AttributeSet {
	t.schemaOnce.Do(func() {
		set := NewAttributeSet()
		t.walkSchema(t.Root, set)
		t.schema = set
	})
	return t.schema
}

func (t *Tree) walkSchema(idx NodeIndex, into *AttributeSet) {
	if idx == invalidIndex || int(idx) >= len(t.Nodes) {
		return
	}
	n := &t.Nodes[idx]
	n.Target.RequiredAttributes(into)
	n.Condition.RequiredAttributes(into)
	for _, c := range n.Children {
		t.walkSchema(c, into)
	}
}
