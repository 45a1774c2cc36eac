package policy

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// PIP resolves attribute values for a concrete request. Implementations
// live outside this package (internal/pip); the Evaluator depends only
// on this interface.
type PIP interface {
	// GetAttributesValues fills values on every Attribute already
	// present in set (by (name,type,match) schema), mutating each
	// entry in place with either resolved Values or Undetermined=true.
	GetAttributesValues(req Request, set *AttributeSet)
}

// Request is the opaque handle PolicyEvaluator.Evaluate consumes. It
// is interpreted only by the PIP and (for settings) by SettingsStore.
type Request struct {
	WidgetID string
	Feature  string
	Function string
	Params   map[string]string
}

// VerdictCache implements the at-most-once-per-fingerprint evaluation
// contract.
type VerdictCache interface {
	Lookup(fingerprint string) (PolicyResult, bool)
	Store(fingerprint string, result PolicyResult)
	PurgeAll() error
}

// SettingsStore exposes the user's per-widget and global preferences.
// Returning PreferenceDefault means "no explicit preference".
type SettingsStore interface {
	FindGlobalUserPreference(req Request) GlobalPreference
	FindWidgetFeaturePreference(widgetID, feature string) UserPreference
}

// Evaluator orchestrates attribute extraction, cache lookup, tree
// evaluation, and preference reconciliation. It is safe
// for concurrent Evaluate calls: the active Tree is published via a
// single atomic pointer (see loader.go), and VerdictCache/SettingsStore
// are expected to guard their own mutable state.
type Evaluator struct {
	loader   *Loader
	pip      PIP
	cache    VerdictCache
	settings SettingsStore
	logger   *slog.Logger
}

// NewEvaluator wires an Evaluator from its collaborators. loader must
// already have a tree loaded (see Loader.Load) before Evaluate is
// called; an unloaded Loader causes every Evaluate call to fail closed
// to DENY, matching the original's "policy tree doesn't exist" path.
func NewEvaluator(loader *Loader, pip PIP, cache VerdictCache, settings SettingsStore, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		loader:   loader,
		pip:      pip,
		cache:    cache,
		settings: settings,
		logger:   logger.With("component", "policy.Evaluator"),
	}
	// Every successful Load -- whether triggered by UpdatePolicy or by
	// Loader's own fsnotify watch loop -- purges the cache through this
	// one hook, so a hot-reloaded policy file can never keep serving
	// verdicts computed under the tree it replaced.
	if loader != nil {
		loader.SetReloadHook(e.purgeCache)
	}
	return e
}

func (e *Evaluator) purgeCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.PurgeAll(); err != nil {
		e.logger.Error("cache purge after policy reload failed", "error", err)
	}
}

// Evaluate runs the full pipeline and always returns one of the seven
// PolicyResult values -- no error kind ever propagates out of this
// boundary.
func (e *Evaluator) Evaluate(req Request) PolicyResult {
	result, _ := e.evaluate(req, false)
	return result
}

// EvaluateFromCacheOnly returns a PolicyResult only on a cache hit,
// performing no tree walk on a miss. The bool return reports whether a
// cached verdict was found, mirroring the original's
// OptionalPolicyResult.
func (e *Evaluator) EvaluateFromCacheOnly(req Request) (PolicyResult, bool) {
	return e.evaluate(req, true)
}

func (e *Evaluator) evaluate(req Request, fromCacheOnly bool) (PolicyResult, bool) {
	tree := e.loader.ActiveTree()
	if tree == nil {
		e.logger.Error("evaluate called with no active policy tree, failing closed")
		return Deny, false
	}

	// Step 1: extract required attributes (memoised on the tree).
	schema := tree.Schema()
	bound := NewAttributeSet()
	for _, a := range schema.All() {
		bound.Add(a)
	}

	// Step 2: bind values via the PIP. The cache must not be consulted
	// before this completes -- the fingerprint depends on resolved
	// values.
	if e.pip != nil {
		e.pip.GetAttributesValues(req, bound)
	}

	// Step 3: cache lookup.
	fp := bound.Fingerprint()
	if e.cache != nil {
		if cached, ok := e.cache.Lookup(fp); ok {
			return e.reconcileWithSettings(req, cached), true
		}
	}
	if fromCacheOnly {
		return 0, false
	}

	// Step 4-5: walk the tree and translate to the external result.
	effect := e.walk(tree, tree.Root, *bound)
	result := effectToPolicyResult(effect)

	if e.cache != nil {
		e.cache.Store(fp, result)
	}

	// Step 6: reconcile with user preference.
	return e.reconcileWithSettings(req, result), true
}

// UpdatePolicy loads a new policy document. Load only swaps the active
// tree on a successful parse, and the reload hook registered in
// NewEvaluator purges the cache right after that swap -- so a failed
// load leaves both the active tree and the cache untouched, matching
// the original's updatePolicy/AceDAO::resetDatabase pairing.
func (e *Evaluator) UpdatePolicy(path string) error {
	return e.loader.Load(path)
}

// CurrentPolicyPath returns the path of the currently active policy
// document.
func (e *Evaluator) CurrentPolicyPath() string {
	return e.loader.CurrentPolicyPath()
}

func (e *Evaluator) reconcileWithSettings(req Request, result PolicyResult) PolicyResult {
	global := PreferenceDefault
	widget := PreferenceDefault
	if e.settings != nil {
		global = e.settings.FindGlobalUserPreference(req)
		widget = e.settings.FindWidgetFeaturePreference(req.WidgetID, req.Feature)
	}

	pref := global
	if widget != PreferenceDefault {
		pref = widget
	}
	return reconcile(pref, result)
}

// walk evaluates the node at idx against bound, recursing into
// children for Policy/PolicySet nodes.
func (e *Evaluator) walk(tree *Tree, idx NodeIndex, bound AttributeSet) Effect {
	if idx == invalidIndex || int(idx) >= len(tree.Nodes) {
		e.logger.Error("internal error: invalid node index during walk, failing closed")
		return EffectError
	}
	node := &tree.Nodes[idx]

	targetTrit := node.Target.Evaluate(bound)
	switch targetTrit {
	case False:
		return EffectInapplicable
	case Undetermined:
		return EffectUndetermined
	}

	condTrit := node.Condition.Evaluate(bound)
	switch condTrit {
	case False:
		return EffectInapplicable
	case Undetermined:
		return EffectUndetermined
	}

	if node.Kind == KindRule {
		return node.Effect
	}

	// Policy/PolicySet: recurse and combine. FirstMatchingTarget needs
	// to know each child's own target-match outcome, so we evaluate
	// children's targets up front rather than relying on Inapplicable
	// (which can also result from a condition mismatch).
	effects := make([]Effect, len(node.Children))
	matched := make([]bool, len(node.Children))
	for i, childIdx := range node.Children {
		child := &tree.Nodes[childIdx]
		childTargetTrit := child.Target.Evaluate(bound)
		matched[i] = childTargetTrit == True
		effects[i] = e.walk(tree, childIdx, bound)
	}
	return Combine(node.Combine, effects, matched)
}

// --- memory-backed fallback collaborators, usable without sqlite ---

// MemoryCache is a process-local, concurrency-safe VerdictCache. It is
// suitable for tests and for single-process deployments that don't
// need the cache to survive a restart.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]PolicyResult
}

// NewMemoryCache creates an empty in-memory VerdictCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]PolicyResult)}
}

func (c *MemoryCache) Lookup(fingerprint string) (PolicyResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[fingerprint]
	return r, ok
}

func (c *MemoryCache) Store(fingerprint string, result PolicyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = result
}

func (c *MemoryCache) PurgeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]PolicyResult)
	return nil
}

// Len reports the number of cached entries -- used by tests to observe
// hit/miss behaviour.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// activeTreeBox lets Loader publish a *Tree via a single atomic
// pointer so a reload swap is visible to concurrent Evaluate calls
// without a lock.
type activeTreeBox struct {
	ptr atomic.Pointer[Tree]
}

func (b *activeTreeBox) Load() *Tree   { return b.ptr.Load() }
func (b *activeTreeBox) Store(t *Tree) { b.ptr.Store(t) }
