package hymount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_EnsureEmptyFile_CreatesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "hosts")

	if err := ensureEmptyFile(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ensureEmptyFile(path); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != "keep me" {
		t.Errorf("ensureEmptyFile clobbered an existing file: got %q", got)
	}
}

func Test_CopyFile_PreservesContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("127.0.0.1 localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != "127.0.0.1 localhost\n" {
		t.Errorf("got %q", got)
	}
}

func Test_CopyFile_MissingSourceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if err := copyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst")); err == nil {
		t.Fatal("expected an error for a missing source file")
	}
}

func Test_ModuleSet_AddAndSorted(t *testing.T) {
	t.Parallel()

	s := moduleSet{}
	s.add("zeta")
	s.add("alpha")
	s.add("alpha")
	s.add("")

	got := s.sorted()
	want := []string{"alpha", "zeta"}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func Test_PruneStaleMirrors_RemovesOnlyStaleModuleDirs(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	modulesDir := filepath.Join(runDir, "mirror", "modules")

	if err := os.MkdirAll(filepath.Join(modulesDir, "live"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Join(modulesDir, "gone"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{RunDir: runDir}
	modules := []Module{{ID: "live"}}

	if err := PruneStaleMirrors(cfg, modules); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(modulesDir, "live")); err != nil {
		t.Errorf("expected live module's mirror to survive: %v", err)
	}

	if _, err := os.Stat(filepath.Join(modulesDir, "gone")); !os.IsNotExist(err) {
		t.Errorf("expected gone module's mirror to be removed, got err=%v", err)
	}
}

func Test_PruneStaleMirrors_MissingModulesDirIsNotAnError(t *testing.T) {
	t.Parallel()

	cfg := Config{RunDir: t.TempDir()}

	if err := PruneStaleMirrors(cfg, nil); err != nil {
		t.Fatal(err)
	}
}

// Test_Execute_AllPassthroughPlan_TouchesNoStrategyAndCreatesMirrorDir drives
// Execute over a plan with no resolved module content (every node
// passthrough), which exercises the traversal and result-shaping logic
// without invoking any real mount syscalls.
func Test_Execute_AllPassthroughPlan_TouchesNoStrategyAndCreatesMirrorDir(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	cfg := Config{RunDir: runDir}

	plan, err := Generate(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	mounter := NewMounter(runDir, nil, nil)
	ex := NewExecutor(cfg, mounter, nil)

	result, err := ex.Execute(plan)
	if err != nil {
		t.Fatal(err)
	}

	want := &ExecutionResult{
		OverlayModules:  []string{},
		RedirectModules: []string{},
		BindModules:     []string{},
		TmpfsModules:    []string{},
	}

	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("expected an empty result for an all-passthrough plan (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(runDir, "mirror")); err != nil {
		t.Errorf("expected mirror dir to be created: %v", err)
	}
}
