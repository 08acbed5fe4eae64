package hymount

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_DiagnosePlan_FlagsUnresolvedNode(t *testing.T) {
	t.Parallel()

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	stuck := root.child("stuck")
	stuck.Strategy = MountStrategy{Kind: StrategyUnresolved}

	diags := DiagnosePlan(&MountPlan{Root: root})

	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %+v", len(diags), diags)
	}

	if diags[0].Level != LevelWarning || diags[0].Context != "/stuck" {
		t.Errorf("got %+v", diags[0])
	}
}

func Test_DiagnosePlan_FlagsTmpfsOnNonDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	filePath := filepath.Join(dir, "not-a-dir")

	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	bad := root.child("bad")
	bad.Path = filePath
	bad.Strategy = MountStrategy{Kind: StrategyTmpfs}

	diags := DiagnosePlan(&MountPlan{Root: root})

	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %+v", len(diags), diags)
	}

	if diags[0].Message == "" {
		t.Error("expected a non-empty message")
	}
}

func Test_DiagnosePlan_TmpfsOnMissingPathIsNotFlagged(t *testing.T) {
	t.Parallel()

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	ok := root.child("ok")
	ok.Path = filepath.Join(t.TempDir(), "does-not-exist")
	ok.Strategy = MountStrategy{Kind: StrategyTmpfs}

	diags := DiagnosePlan(&MountPlan{Root: root})

	if len(diags) != 0 {
		t.Errorf("got %d diagnostics, want 0: %+v", len(diags), diags)
	}
}

func Test_DiagnoseMountState_FlagsBindStrategyWithNoActiveMount(t *testing.T) {
	t.Parallel()

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	hosts := root.child("hosts")
	hosts.Path = t.TempDir()
	hosts.Strategy = MountStrategy{Kind: StrategyBind}

	diags := DiagnoseMountState(&MountPlan{Root: root})

	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %+v", len(diags), diags)
	}

	if diags[0].Level != LevelError {
		t.Errorf("got level %s, want error", diags[0].Level)
	}
}

func Test_DiagnoseMountState_SkipsChildrenOfAnOverlayNode(t *testing.T) {
	t.Parallel()

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	camera := root.child("Camera")
	camera.Path = t.TempDir()
	camera.Strategy = MountStrategy{Kind: StrategyOverlay, Lowerdirs: []string{"/a"}}

	child := camera.child("base.apk")
	child.Path = filepath.Join(camera.Path, "base.apk")
	child.Strategy = MountStrategy{Kind: StrategyBind}

	diags := DiagnoseMountState(&MountPlan{Root: root})

	// Only the overlay node itself is checked; its child is covered by the
	// same mount and must not be independently flagged.
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1 (overlay node only): %+v", len(diags), diags)
	}

	if diags[0].Context != camera.Path {
		t.Errorf("got context %s, want %s", diags[0].Context, camera.Path)
	}
}

func Test_DiagnoseMountState_IgnoresPassthroughNodes(t *testing.T) {
	t.Parallel()

	root := newFsNode("", "/")
	root.Strategy = MountStrategy{Kind: StrategyPassthrough}

	system := root.child("system")
	system.Path = t.TempDir()
	system.Strategy = MountStrategy{Kind: StrategyPassthrough}

	diags := DiagnoseMountState(&MountPlan{Root: root})

	if len(diags) != 0 {
		t.Errorf("got %d diagnostics, want 0: %+v", len(diags), diags)
	}
}

func Test_DiagnosticLevel_String(t *testing.T) {
	t.Parallel()

	if LevelWarning.String() != "warning" {
		t.Errorf("got %q", LevelWarning.String())
	}

	if LevelError.String() != "error" {
		t.Errorf("got %q", LevelError.String())
	}
}
