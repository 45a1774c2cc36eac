// Package pip implements the Policy Information Point: resolving the
// concrete values an Evaluator needs to bind a policy's attribute
// schema against a live request. Package policy depends only on the
// pip.PIP-shaped interface it declares itself (policy.PIP); this
// package provides the concrete platform resolver.
package pip

import (
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/webruntime/ace/internal/policy"
)

// Source resolves a single attribute's request-side values for a given
// Request. Each AttrType has its own Source so PlatformPIP can dispatch
// by type without a growing type switch in one function -- grounded in
// agentwarden/internal/capability/scope.go's per-capability-kind dispatch,
// generalised here to per-attribute-type dispatch.
type Source interface {
	Resolve(req policy.Request, name string) (values []string, ok bool)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(req policy.Request, name string) ([]string, bool)

func (f SourceFunc) Resolve(req policy.Request, name string) ([]string, bool) {
	return f(req, name)
}

// PlatformPIP is the concrete policy.PIP implementation wired into the
// evaluator: one Source per AttrType, with graceful Undetermined
// fallback when a source is missing or a lookup fails.
type PlatformPIP struct {
	sources map[policy.AttrType]Source
	logger  *slog.Logger
}

// NewPlatformPIP builds a PlatformPIP. Pass the sources you have; any
// AttrType without a registered Source resolves every attribute of that
// type as Undetermined, which is a safe default: an attribute with no
// bound value compares Undetermined, never False.
func NewPlatformPIP(sources map[policy.AttrType]Source, logger *slog.Logger) *PlatformPIP {
	if logger == nil {
		logger = slog.Default()
	}
	if sources == nil {
		sources = map[policy.AttrType]Source{}
	}
	return &PlatformPIP{sources: sources, logger: logger.With("component", "pip.PlatformPIP")}
}

// GetAttributesValues implements policy.PIP: for every schema entry in
// set it resolves a value bag (or marks it Undetermined) and writes the
// bound Attribute back into set.
func (p *PlatformPIP) GetAttributesValues(req policy.Request, set *policy.AttributeSet) {
	corrID := ulid.Make().String()
	log := p.logger.With("correlation_id", corrID, "widget_id", req.WidgetID, "feature", req.Feature)

	for _, attr := range set.All() {
		src, ok := p.sources[attr.Type]
		if !ok {
			log.Debug("no source registered for attribute type, binding undetermined",
				"type", attr.Type, "name", attr.Name)
			set.Add(attr.AsUndetermined())
			continue
		}
		values, ok := src.Resolve(req, attr.Name)
		if !ok {
			log.Debug("attribute resolution failed, binding undetermined",
				"type", attr.Type, "name", attr.Name)
			set.Add(attr.AsUndetermined())
			continue
		}
		bound := attr.WithValues(values...)
		set.Add(bound)

		if uriParts, isURI := policy.ParseURIParts(firstOrEmpty(values)); isURI && attr.Type == policy.TypeResource {
			bindURIAccessors(set, attr.Name, uriParts)
		}
	}
}

// bindURIAccessors adds the derived scheme/authority/host/path/
// scheme+authority attributes for a resource URI. They are addressable
// by policy authors as "<name>.scheme", "<name>.authority", etc.
func bindURIAccessors(set *policy.AttributeSet, baseName string, parts policy.URIParts) {
	add := func(suffix, value string) {
		if value == "" {
			return
		}
		a := policy.NewAttribute(baseName+"."+suffix, policy.TypeResource, policy.MatchEqual).WithValues(value)
		set.Add(a)
	}
	add("scheme", parts.Scheme)
	add("authority", parts.Authority)
	add("host", parts.Host)
	add("path", parts.Path)
	add("scheme_authority", parts.SchemeAuthority)
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// WidgetStateResolver is the shape internal/session.Manager satisfies;
// declared here (rather than imported) so this package doesn't need to
// depend on internal/session just to adapt it into a Source.
type WidgetStateResolver interface {
	Resolve(widgetID, name string) ([]string, bool)
}

// WidgetStateSource adapts a WidgetStateResolver (e.g. *session.Manager)
// into a Source for TypeWidgetState attributes.
func WidgetStateSource(r WidgetStateResolver) Source {
	return SourceFunc(func(req policy.Request, name string) ([]string, bool) {
		return r.Resolve(req.WidgetID, name)
	})
}

// RequestParamSource resolves attribute values directly from a
// Request's Params map, keyed by attribute name. Useful for
// Environment/Resource attributes supplied by the caller rather than
// looked up from platform state.
func RequestParamSource() Source {
	return SourceFunc(func(req policy.Request, name string) ([]string, bool) {
		if req.Params == nil {
			return nil, false
		}
		v, ok := req.Params[name]
		if !ok {
			return nil, false
		}
		return []string{v}, true
	})
}
