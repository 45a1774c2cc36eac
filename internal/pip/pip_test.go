package pip

import (
	"testing"

	"github.com/webruntime/ace/internal/policy"
)

func TestPlatformPIP_ResolvesFromRegisteredSource(t *testing.T) {
	src := SourceFunc(func(req policy.Request, name string) ([]string, bool) {
		if name == "role" {
			return []string{"admin"}, true
		}
		return nil, false
	})
	p := NewPlatformPIP(map[policy.AttrType]Source{policy.TypeSubject: src}, nil)

	set := policy.NewAttributeSet()
	set.Add(policy.NewAttribute("role", policy.TypeSubject, policy.MatchEqual))

	p.GetAttributesValues(policy.Request{WidgetID: "w1"}, set)

	got, ok := set.Get("role", policy.TypeSubject)
	if !ok {
		t.Fatal("expected role attribute to remain in set")
	}
	if got.Undetermined {
		t.Error("expected role to resolve, not be undetermined")
	}
	if len(got.Values) != 1 || got.Values[0] != "admin" {
		t.Errorf("expected [admin], got %v", got.Values)
	}
}

func TestPlatformPIP_NoSourceBindsUndetermined(t *testing.T) {
	p := NewPlatformPIP(nil, nil)

	set := policy.NewAttributeSet()
	set.Add(policy.NewAttribute("role", policy.TypeSubject, policy.MatchEqual))

	p.GetAttributesValues(policy.Request{WidgetID: "w1"}, set)

	got, ok := set.Get("role", policy.TypeSubject)
	if !ok {
		t.Fatal("expected role attribute to remain in set")
	}
	if !got.Undetermined {
		t.Error("expected role to be undetermined when no source is registered for Subject")
	}
}

func TestPlatformPIP_ResolutionFailureBindsUndetermined(t *testing.T) {
	src := SourceFunc(func(policy.Request, string) ([]string, bool) { return nil, false })
	p := NewPlatformPIP(map[policy.AttrType]Source{policy.TypeSubject: src}, nil)

	set := policy.NewAttributeSet()
	set.Add(policy.NewAttribute("role", policy.TypeSubject, policy.MatchEqual))
	p.GetAttributesValues(policy.Request{WidgetID: "w1"}, set)

	got, _ := set.Get("role", policy.TypeSubject)
	if !got.Undetermined {
		t.Error("expected failed resolution to bind undetermined")
	}
}

func TestPlatformPIP_BindsURIAccessors(t *testing.T) {
	src := SourceFunc(func(req policy.Request, name string) ([]string, bool) {
		if name == "uri" {
			return []string{"https://example.com/widgets/1"}, true
		}
		return nil, false
	})
	p := NewPlatformPIP(map[policy.AttrType]Source{policy.TypeResource: src}, nil)

	set := policy.NewAttributeSet()
	set.Add(policy.NewAttribute("uri", policy.TypeResource, policy.MatchEqual))
	p.GetAttributesValues(policy.Request{WidgetID: "w1"}, set)

	scheme, ok := set.Get("uri.scheme", policy.TypeResource)
	if !ok {
		t.Fatal("expected derived uri.scheme attribute to be bound")
	}
	if len(scheme.Values) != 1 || scheme.Values[0] != "https" {
		t.Errorf("uri.scheme = %v, want [https]", scheme.Values)
	}

	host, ok := set.Get("uri.host", policy.TypeResource)
	if !ok || len(host.Values) != 1 || host.Values[0] != "example.com" {
		t.Errorf("uri.host = %+v, %v", host, ok)
	}
}

func TestRequestParamSource(t *testing.T) {
	src := RequestParamSource()
	req := policy.Request{Params: map[string]string{"foo": "bar"}}

	values, ok := src.Resolve(req, "foo")
	if !ok || len(values) != 1 || values[0] != "bar" {
		t.Errorf("Resolve(foo) = %v, %v", values, ok)
	}

	_, ok = src.Resolve(req, "missing")
	if ok {
		t.Error("expected missing param to not resolve")
	}
}

func TestWidgetStateSource(t *testing.T) {
	resolver := fakeWidgetStateResolver{"w1": {"visibility": {"background"}}}
	src := WidgetStateSource(resolver)

	values, ok := src.Resolve(policy.Request{WidgetID: "w1"}, "visibility")
	if !ok || len(values) != 1 || values[0] != "background" {
		t.Errorf("Resolve(visibility) = %v, %v", values, ok)
	}

	_, ok = src.Resolve(policy.Request{WidgetID: "w2"}, "visibility")
	if ok {
		t.Error("expected unknown widget to not resolve")
	}
}

type fakeWidgetStateResolver map[string]map[string][]string

func (f fakeWidgetStateResolver) Resolve(widgetID, name string) ([]string, bool) {
	w, ok := f[widgetID]
	if !ok {
		return nil, false
	}
	v, ok := w[name]
	return v, ok
}
