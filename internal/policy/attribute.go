// Package policy implements the Access Control Engine's evaluation
// pipeline: attributes, conditions, the policy tree, the combining
// algorithms, the verdict cache contract, and the orchestrating
// evaluator. Policies are compiled once by Loader and evaluated
// concurrently by Evaluator; the tree is immutable after a successful
// load and is never mutated by evaluation.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// AttrType is the subject/resource/environment taxonomy an Attribute
// belongs to.
type AttrType int

const (
	TypeSubject AttrType = iota
	TypeResource
	TypeEnvironment
	TypeWidgetState
	TypeUser
)

func (t AttrType) String() string {
	switch t {
	case TypeSubject:
		return "Subject"
	case TypeResource:
		return "Resource"
	case TypeEnvironment:
		return "Environment"
	case TypeWidgetState:
		return "WidgetState"
	case TypeUser:
		return "User"
	default:
		return "Unknown"
	}
}

// MatchOp is the comparison applied between a policy-side value and a
// request-side value within an Attribute's bag.
type MatchOp int

const (
	MatchEqual MatchOp = iota
	MatchGlob
	MatchRegex
)

func (m MatchOp) String() string {
	switch m {
	case MatchEqual:
		return "Equal"
	case MatchGlob:
		return "Glob"
	case MatchRegex:
		return "Regex"
	default:
		return "Unknown"
	}
}

// Trit is Kleene three-valued logic: TRUE, FALSE, or UNDETERMINED. It
// is its own sum type rather than two booleans so that "undetermined"
// cannot be silently collapsed into "false" anywhere in the evaluation
// path (spec design note, §9).
type Trit int

const (
	False Trit = iota
	True
	Undetermined
)

func (t Trit) String() string {
	switch t {
	case True:
		return "TRUE"
	case False:
		return "FALSE"
	default:
		return "UNDETERMINED"
	}
}

// Attribute is a typed, named fact bag. The policy side carries
// (name, type, match, values) as its static schema; the request side
// is populated by the PIP with the same (name, type) but its own
// values, or Undetermined=true if resolution failed.
type Attribute struct {
	Name        string
	Type        AttrType
	Op          MatchOp
	Values      []string
	Undetermined bool

	compiledRegex *regexp.Regexp // lazily compiled, Regex match only
}

// NewAttribute constructs a policy-side Attribute schema entry with no
// bound values yet.
func NewAttribute(name string, typ AttrType, match MatchOp) Attribute {
	return Attribute{Name: name, Type: typ, Op: match}
}

// WithValues returns a copy of the attribute with its value bag set.
// Used by both policy authors (declared values) and the PIP (resolved
// values) to bind a bag without mutating a shared Attribute.
func (a Attribute) WithValues(values ...string) Attribute {
	a.Values = append([]string(nil), values...)
	a.Undetermined = false
	return a
}

// AsUndetermined returns a copy of the attribute marked undetermined,
// used by the PIP when a value could not be resolved.
func (a Attribute) AsUndetermined() Attribute {
	a.Undetermined = true
	a.Values = nil
	return a
}

// schemaKey identifies an Attribute by (name, type) for set membership
// and lookup -- two attributes with the same name but different types
// are distinct entries.
func (a Attribute) schemaKey() string {
	return fmt.Sprintf("%d|%s", a.Type, a.Name)
}

// Match implements the three-valued matching rules. The receiver
// is the policy-side attribute (name/type/match/expected values); other
// is the request-side AttributeSet bound by the PIP.
func (a Attribute) Match(other AttributeSet) Trit {
	if a.Undetermined {
		return Undetermined
	}

	req, ok := other.Get(a.Name, a.Type)
	if !ok {
		return Undetermined
	}
	if req.Undetermined {
		return Undetermined
	}

	if len(a.Values) == 0 && len(req.Values) == 0 {
		return False
	}

	for _, v := range a.Values {
		for _, w := range req.Values {
			if a.matchOne(v, w) {
				return True
			}
		}
	}
	return False
}

// matchOne applies the configured MatchOp to a single (policy value,
// request value) pair.
func (a *Attribute) matchOne(v, w string) bool {
	switch a.Op {
	case MatchGlob:
		return globMatch(v, w)
	case MatchRegex:
		re, err := a.regex(v)
		if err != nil {
			return false
		}
		return re.MatchString(w)
	default:
		return v == w
	}
}

// regex lazily compiles the policy value as a restricted regex (see
// ValidateRestrictedRegex) and caches the most recently compiled
// expression on the receiver, reusing it only for the same pattern.
// Compilation errors are swallowed here (matchOne
// treats them as non-match); PolicyLoader is responsible for rejecting
// invalid expressions at load time via ValidateRestrictedRegex.
func (a *Attribute) regex(pattern string) (*regexp.Regexp, error) {
	anchored := "^(?:" + pattern + ")$"
	if a.compiledRegex != nil && a.compiledRegex.String() == anchored {
		return a.compiledRegex, nil
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, err
	}
	a.compiledRegex = re
	return re, nil
}

// ValidateRestrictedRegex rejects backreferences (\1 etc.) and
// lookaround ((?= (?! (?<= (?<!) before compiling. Lookaround isn't
// expressible in Go's RE2 engine at all, so a successful regexp.Compile
// after this textual check is sufficient to guarantee the restricted
// grammar.
func ValidateRestrictedRegex(pattern string) error {
	if strings.Contains(pattern, "(?=") || strings.Contains(pattern, "(?!") ||
		strings.Contains(pattern, "(?<=") || strings.Contains(pattern, "(?<!") {
		return fmt.Errorf("lookaround is not permitted in attribute regex %q", pattern)
	}
	for i := 0; i < len(pattern)-1; i++ {
		if pattern[i] == '\\' && pattern[i+1] >= '1' && pattern[i+1] <= '9' {
			return fmt.Errorf("backreferences are not permitted in attribute regex %q", pattern)
		}
	}
	if _, err := regexp.Compile("^(?:" + pattern + ")$"); err != nil {
		return fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return nil
}

// globMatch implements a restricted glob grammar: '*' matches any run
// of characters (greedy, across '/'), '?' matches exactly one
// character. No character classes.
func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(p, s []rune) bool {
	var pi, si int
	var starIdx = -1
	var matchIdx int

	for si < len(s) {
		if pi < len(p) && (p[pi] == '?' || p[pi] == s[si]) {
			pi++
			si++
		} else if pi < len(p) && p[pi] == '*' {
			starIdx = pi
			matchIdx = si
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			si = matchIdx
		} else {
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// URI accessor helpers, applied when an Attribute's declared Type is a
// resource and its bag holds a single URI value. These normalise per
// RFC 3986: scheme is lowercased, percent-encoding is
// preserved byte-for-byte, no IDN normalisation is performed.
type URIParts struct {
	Scheme          string
	Authority       string
	Host            string
	Path            string
	SchemeAuthority string
}

// ParseURIParts derives the accessor fields for a single URI-valued
// attribute. Returns the zero value if raw does not parse as a URI.
func ParseURIParts(raw string) (URIParts, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return URIParts{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	authority := u.Host
	if u.User != nil {
		authority = u.User.String() + "@" + u.Host
	}
	parts := URIParts{
		Scheme:    scheme,
		Authority: authority,
		Host:      u.Hostname(),
		Path:      u.EscapedPath(),
	}
	if scheme != "" && authority != "" {
		parts.SchemeAuthority = scheme + "://" + authority
	} else if scheme != "" {
		parts.SchemeAuthority = scheme + ":"
	}
	return parts, true
}

// AttributeSet is a deduplicating set of Attributes, unique by
// (name, type), used both as the PIP query vector (policy-side schema)
// and as the cache fingerprint key (request-side bound values).
type AttributeSet struct {
	byKey map[string]int
	attrs []Attribute
}

// NewAttributeSet creates an empty AttributeSet.
func NewAttributeSet() *AttributeSet {
	return &AttributeSet{byKey: make(map[string]int)}
}

// Add inserts or replaces an Attribute by its (name, type) key.
func (s *AttributeSet) Add(a Attribute) {
	key := a.schemaKey()
	if idx, ok := s.byKey[key]; ok {
		s.attrs[idx] = a
		return
	}
	s.byKey[key] = len(s.attrs)
	s.attrs = append(s.attrs, a)
}

// Get looks up an Attribute by (name, type).
func (s *AttributeSet) Get(name string, typ AttrType) (Attribute, bool) {
	if s == nil {
		return Attribute{}, false
	}
	idx, ok := s.byKey[fmt.Sprintf("%d|%s", typ, name)]
	if !ok {
		return Attribute{}, false
	}
	return s.attrs[idx], true
}

// All returns the set's attributes in insertion order.
func (s *AttributeSet) All() []Attribute {
	if s == nil {
		return nil
	}
	out := make([]Attribute, len(s.attrs))
	copy(out, s.attrs)
	return out
}

// Len reports the number of distinct (name,type) entries.
func (s *AttributeSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.attrs)
}

// Fingerprint produces the canonical, deterministic serialisation used
// as the VerdictCache key: attributes sorted by (type, name), values
// sorted within each bag, each attribute written as
// "type|name|match" (plus "|U" when undetermined), then "\x00v1\x00v2...",
// then a 0x1e record separator. The returned value is a
// hex-encoded SHA-256 digest of that canonical string — a stable,
// collision-resistant cache key.
func (s *AttributeSet) Fingerprint() string {
	attrs := s.All()
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Type != attrs[j].Type {
			return attrs[i].Type < attrs[j].Type
		}
		return attrs[i].Name < attrs[j].Name
	})

	var b strings.Builder
	for _, a := range attrs {
		values := append([]string(nil), a.Values...)
		sort.Strings(values)

		fmt.Fprintf(&b, "%d|%s|%d", a.Type, a.Name, a.Op)
		if a.Undetermined {
			b.WriteString("|U")
		}
		for _, v := range values {
			b.WriteByte(0)
			b.WriteString(v)
		}
		b.WriteByte(0x1e) // record separator between attributes
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
