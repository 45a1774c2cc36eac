package policy

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrFileError is returned (wrapped) when the policy file cannot be
// read from disk.
var ErrFileError = errors.New("policy: file error")

// ErrParsingError is returned (wrapped) when the policy file's XML is
// malformed or uses unknown vocabulary.
var ErrParsingError = errors.New("policy: parsing error")

// Loader owns the currently active *Tree and knows how to (re)build one
// from a policy document on disk. A failed Load or Reload never touches
// the active tree -- the old tree keeps serving Evaluate calls, matching
// the original's "TreeNode *backup = m_root" rollback (PolicyEvaluator.cpp
// updatePolicy).
type Loader struct {
	mu       sync.Mutex
	active   activeTreeBox
	path     string
	onReload func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewLoader creates a Loader with no tree loaded yet; call Load before
// any Evaluate.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "policy.Loader")}
}

// ActiveTree returns the currently published tree, or nil if none has
// ever loaded successfully.
func (l *Loader) ActiveTree() *Tree {
	return l.active.Load()
}

// CurrentPolicyPath returns the path of the last successfully loaded
// policy document, or "" if none has loaded yet.
func (l *Loader) CurrentPolicyPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// SetReloadHook registers fn to run synchronously after every
// successful Load -- the initial one and every hot-reload triggered by
// WatchPolicyFile or an operator-triggered Reload alike. The new tree
// is already published by the time fn runs. Evaluator uses this single
// hook to purge the verdict cache, so the watch-triggered and
// operator-triggered reload paths share the exact same
// swap-then-purge guarantee instead of two divergent implementations.
func (l *Loader) SetReloadHook(fn func()) {
	l.mu.Lock()
	l.onReload = fn
	l.mu.Unlock()
}

// Load parses the document at path and, on success, publishes it as the
// active tree and runs the reload hook (if any). On failure the
// previously active tree (if any) is left untouched, the hook does not
// run, and a wrapped ErrFileError/ErrParsingError is returned.
func (l *Loader) Load(path string) error {
	tree, err := parsePolicyDocument(path)
	if err != nil {
		l.logger.Error("policy load failed, keeping previous tree active", "path", path, "error", err)
		return err
	}

	l.mu.Lock()
	l.path = path
	hook := l.onReload
	l.mu.Unlock()

	l.active.Store(tree)
	l.logger.Info("policy loaded", "path", path, "nodes", len(tree.Nodes))

	if hook != nil {
		hook()
	}
	return nil
}

// Reload re-parses the document at the last-loaded path (or, for the
// first call, whatever WatchPolicyFile/Load was given). It is the
// atomic swap-with-rollback entry point used both by hot-reload and by
// an operator-triggered reload.
func (l *Loader) Reload() error {
	path := l.CurrentPolicyPath()
	if path == "" {
		return fmt.Errorf("policy: reload called before any policy was loaded")
	}
	return l.Load(path)
}

// parsePolicyDocument reads and parses path into a *Tree. It performs
// vocabulary validation (combining-algorithm and effect names) as part
// of the tree-build walk: an unknown combining algorithm or effect name
// must fail the load, never fall back to a silent default.
func parsePolicyDocument(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileError, path, err)
	}

	var doc xmlPolicyDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParsingError, path, err)
	}

	b := &treeBuilder{}
	root, err := b.buildNode(&doc.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParsingError, path, err)
	}
	return NewTree(b.nodes, root), nil
}

// --- XML document shape ---
//
// A single recursive element name ("Node") with a "kind" attribute
// keeps the XML small without needing three near-identical element
// types; policy authors write kind="PolicySet|Policy|Rule" explicitly.

type xmlPolicyDoc struct {
	XMLName xml.Name `xml:"Policy"`
	Root    xmlNode  `xml:"Node"`
}

type xmlNode struct {
	ID        string        `xml:"id,attr"`
	Kind      string        `xml:"kind,attr"`
	Combine   string        `xml:"combine,attr"`
	Effect    string        `xml:"effect,attr"`
	Target    *xmlCondition `xml:"Target"`
	Condition *xmlCondition `xml:"Condition"`
	Children  []xmlNode     `xml:"Node"`
}

type xmlCondition struct {
	Op         string         `xml:"op,attr"` // "and" | "or" | "" (leaf)
	Attribute  *xmlAttribute  `xml:"Attribute"`
	Conditions []xmlCondition `xml:"Condition"`
}

type xmlAttribute struct {
	Name  string   `xml:"name,attr"`
	Type  string   `xml:"type,attr"`
	Match string   `xml:"match,attr"`
	Value []string `xml:"Value"`
}

type treeBuilder struct {
	nodes []Node
}

func (b *treeBuilder) buildNode(x *xmlNode) (NodeIndex, error) {
	kind, ok := parseNodeKind(x.Kind)
	if !ok {
		return invalidIndex, fmt.Errorf("unknown node kind %q (id=%q)", x.Kind, x.ID)
	}

	target, err := buildCondition(x.Target)
	if err != nil {
		return invalidIndex, fmt.Errorf("node %q target: %w", x.ID, err)
	}
	condition, err := buildCondition(x.Condition)
	if err != nil {
		return invalidIndex, fmt.Errorf("node %q condition: %w", x.ID, err)
	}

	node := Node{
		Kind:      kind,
		Target:    target,
		Condition: condition,
		NodeID:    x.ID,
	}

	switch kind {
	case KindRule:
		effect, ok := ParseRuleEffect(x.Effect)
		if !ok {
			return invalidIndex, fmt.Errorf("node %q: unknown rule effect %q", x.ID, x.Effect)
		}
		node.Effect = effect
	case KindPolicy, KindPolicySet:
		algo, ok := ParseCombiningAlgorithm(x.Combine)
		if !ok {
			return invalidIndex, fmt.Errorf("node %q: unknown combining algorithm %q", x.ID, x.Combine)
		}
		node.Combine = algo
	}

	idx := NodeIndex(len(b.nodes))
	b.nodes = append(b.nodes, node)

	children := make([]NodeIndex, 0, len(x.Children))
	for i := range x.Children {
		childIdx, err := b.buildNode(&x.Children[i])
		if err != nil {
			return invalidIndex, err
		}
		children = append(children, childIdx)
	}
	b.nodes[idx].Children = children

	if kind == KindRule && len(children) > 0 {
		return invalidIndex, fmt.Errorf("node %q: Rule nodes must not have children", x.ID)
	}
	if kind != KindRule && len(children) == 0 {
		return invalidIndex, fmt.Errorf("node %q: Policy/PolicySet nodes must have at least one child", x.ID)
	}

	return idx, nil
}

func parseNodeKind(s string) (NodeKind, bool) {
	switch s {
	case "Rule":
		return KindRule, true
	case "Policy":
		return KindPolicy, true
	case "PolicySet":
		return KindPolicySet, true
	default:
		return 0, false
	}
}

func buildCondition(x *xmlCondition) (*Condition, error) {
	if x == nil {
		return nil, nil
	}
	switch x.Op {
	case "", "leaf":
		if x.Attribute == nil {
			return nil, fmt.Errorf("condition leaf missing Attribute")
		}
		attr, err := buildAttribute(x.Attribute)
		if err != nil {
			return nil, err
		}
		return Leaf(attr), nil
	case "and", "or":
		children := make([]*Condition, 0, len(x.Conditions))
		for i := range x.Conditions {
			c, err := buildCondition(&x.Conditions[i])
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%s condition has no children", x.Op)
		}
		if x.Op == "and" {
			return And(children...), nil
		}
		return Or(children...), nil
	default:
		return nil, fmt.Errorf("unknown condition op %q", x.Op)
	}
}

func buildAttribute(x *xmlAttribute) (Attribute, error) {
	typ, ok := parseAttrType(x.Type)
	if !ok {
		return Attribute{}, fmt.Errorf("attribute %q: unknown type %q", x.Name, x.Type)
	}
	match, ok := parseMatchOp(x.Match)
	if !ok {
		return Attribute{}, fmt.Errorf("attribute %q: unknown match op %q", x.Name, x.Match)
	}
	if match == MatchRegex {
		for _, v := range x.Value {
			if err := ValidateRestrictedRegex(v); err != nil {
				return Attribute{}, fmt.Errorf("attribute %q: %w", x.Name, err)
			}
		}
	}
	return NewAttribute(x.Name, typ, match).WithValues(x.Value...), nil
}

func parseAttrType(s string) (AttrType, bool) {
	switch s {
	case "Subject":
		return TypeSubject, true
	case "Resource":
		return TypeResource, true
	case "Environment":
		return TypeEnvironment, true
	case "WidgetState":
		return TypeWidgetState, true
	case "User":
		return TypeUser, true
	default:
		return 0, false
	}
}

func parseMatchOp(s string) (MatchOp, bool) {
	switch s {
	case "", "Equal":
		return MatchEqual, true
	case "Glob":
		return MatchGlob, true
	case "Regex":
		return MatchRegex, true
	default:
		return 0, false
	}
}

// WatchPolicyFile starts watching the directory containing path for
// write/create events and calls Reload whenever one fires, logging
// (but not propagating) reload errors so a bad edit never crashes the
// watch loop. Grounded on agentwarden's Loader.WatchConfig: fsnotify
// watches the containing directory rather than the file itself, since
// editors commonly replace a file via rename rather than in-place write.
func (l *Loader) WatchPolicyFile(path string) error {
	if err := l.Load(path); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: creating watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("policy: watching %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = w
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.watchLoop(w, path, done)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, path string, done chan struct{}) {
	target := filepath.Clean(path)
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("hot reload failed, previous policy remains active", "path", path, "error", err)
				continue
			}
			l.logger.Info("hot reload succeeded", "path", path)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("policy watcher error", "error", err)
		}
	}
}

// StopWatch stops a previously started WatchPolicyFile goroutine and
// releases the underlying fsnotify watcher. Safe to call even if no
// watch was started.
func (l *Loader) StopWatch() error {
	l.mu.Lock()
	w := l.watcher
	done := l.done
	l.watcher = nil
	l.done = nil
	l.mu.Unlock()

	if done != nil {
		close(done)
	}
	if w != nil {
		return w.Close()
	}
	return nil
}
