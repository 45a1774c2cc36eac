package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validPolicyXML = `<Policy>
  <Node id="root" kind="PolicySet" combine="deny-overrides">
    <Node id="p1" kind="Policy" combine="deny-overrides">
      <Target>
        <Attribute name="role" type="Subject" match="Equal"><Value>admin</Value></Attribute>
      </Target>
      <Node id="r1" kind="Rule" effect="Permit">
        <Target>
          <Attribute name="action" type="Resource" match="Equal"><Value>read</Value></Attribute>
        </Target>
      </Node>
      <Node id="r2" kind="Rule" effect="Deny" />
    </Node>
  </Node>
</Policy>`

const invalidVocabularyXML = `<Policy>
  <Node id="root" kind="PolicySet" combine="deny-overrides">
    <Node id="r1" kind="Rule" effect="TotallyMadeUp" />
  </Node>
</Policy>`

const malformedXML = `<Policy><Node id="root" kind="PolicySet" combine="deny-overrides">`

func writeTempPolicy(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.xml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoader_Load_Success(t *testing.T) {
	path := writeTempPolicy(t, validPolicyXML)
	loader := NewLoader(nil)

	if err := loader.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tree := loader.ActiveTree()
	if tree == nil {
		t.Fatal("expected an active tree after successful load")
	}
	if len(tree.Nodes) != 4 {
		t.Errorf("expected 4 nodes (PolicySet, Policy, 2 Rules), got %d", len(tree.Nodes))
	}
	if loader.CurrentPolicyPath() != path {
		t.Errorf("CurrentPolicyPath() = %q, want %q", loader.CurrentPolicyPath(), path)
	}
}

func TestLoader_Load_MissingFile(t *testing.T) {
	loader := NewLoader(nil)
	err := loader.Load(filepath.Join(t.TempDir(), "nope.xml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_Load_InvalidVocabularyIsParsingError(t *testing.T) {
	path := writeTempPolicy(t, invalidVocabularyXML)
	loader := NewLoader(nil)
	if err := loader.Load(path); !errors.Is(err, ErrParsingError) {
		t.Fatalf("expected ErrParsingError for an unknown rule effect, got %v", err)
	}
}

func TestLoader_Load_MalformedXML(t *testing.T) {
	path := writeTempPolicy(t, malformedXML)
	loader := NewLoader(nil)
	if err := loader.Load(path); err == nil {
		t.Fatal("expected an error for malformed XML")
	}
}

func TestLoader_Reload_RollsBackOnFailure(t *testing.T) {
	path := writeTempPolicy(t, validPolicyXML)
	loader := NewLoader(nil)
	if err := loader.Load(path); err != nil {
		t.Fatalf("initial Load() error = %v", err)
	}
	original := loader.ActiveTree()

	// Overwrite the file with something invalid, then reload.
	if err := os.WriteFile(path, []byte(invalidVocabularyXML), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("expected Reload() to fail on invalid policy")
	}

	if loader.ActiveTree() != original {
		t.Error("expected the active tree to remain the previous, valid tree after a failed reload")
	}
}

func TestLoader_Load_RunsReloadHookOnSuccessOnly(t *testing.T) {
	path := writeTempPolicy(t, validPolicyXML)
	loader := NewLoader(nil)
	calls := 0
	loader.SetReloadHook(func() { calls++ })

	if err := loader.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected reload hook to run once after a successful Load, got %d", calls)
	}

	if err := os.WriteFile(path, []byte(invalidVocabularyXML), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("expected Reload() to fail on invalid policy")
	}
	if calls != 1 {
		t.Errorf("expected reload hook not to run on a failed Load, got %d calls", calls)
	}

	if err := os.WriteFile(path, []byte(validPolicyXML), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("expected reload hook to run again after a successful Reload, got %d calls", calls)
	}
}

func TestLoader_WatchPolicyFile_ReloadRunsHook(t *testing.T) {
	path := writeTempPolicy(t, validPolicyXML)
	loader := NewLoader(nil)
	calls := make(chan struct{}, 4)
	loader.SetReloadHook(func() { calls <- struct{}{} })

	if err := loader.WatchPolicyFile(path); err != nil {
		t.Fatalf("WatchPolicyFile() error = %v", err)
	}
	defer loader.StopWatch()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected the reload hook to run for the initial load")
	}

	if err := os.WriteFile(path, []byte(validPolicyXML), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the reload hook to run after a watched file write")
	}
}

func TestLoader_Reload_SwapsOnSuccess(t *testing.T) {
	path := writeTempPolicy(t, validPolicyXML)
	loader := NewLoader(nil)
	if err := loader.Load(path); err != nil {
		t.Fatalf("initial Load() error = %v", err)
	}
	original := loader.ActiveTree()

	if err := os.WriteFile(path, []byte(validPolicyXML), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if loader.ActiveTree() == original {
		t.Error("expected a fresh tree value after a successful reload")
	}
}
