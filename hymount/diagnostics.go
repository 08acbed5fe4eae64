package hymount

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
)

// DiagnosticLevel classifies a Diagnostic's severity (spec.md §4.6).
type DiagnosticLevel int

const (
	LevelWarning DiagnosticLevel = iota
	LevelError
)

func (l DiagnosticLevel) String() string {
	if l == LevelError {
		return "error"
	}

	return "warning"
}

// Diagnostic is one finding from DiagnosePlan: a level, the node path it
// concerns, and a human-readable message.
type Diagnostic struct {
	Level   DiagnosticLevel
	Context string
	Message string
}

// DiagnosePlan walks plan after planning and reports nodes left Unresolved
// and Tmpfs strategies landing on a path that exists but is not a directory
// (spec.md §4.6). It never attempts to auto-fix anything.
func DiagnosePlan(plan *MountPlan) []Diagnostic {
	var diags []Diagnostic

	var walk func(n *FsNode)

	walk = func(n *FsNode) {
		switch n.Strategy.Kind {
		case StrategyUnresolved:
			diags = append(diags, Diagnostic{
				Level:   LevelWarning,
				Context: n.Path,
				Message: "node left unresolved by the planner",
			})
		case StrategyTmpfs:
			if info, err := lstatSafe(n.Path); err == nil && !info.IsDir() {
				diags = append(diags, Diagnostic{
					Level:   LevelWarning,
					Context: n.Path,
					Message: "tmpfs strategy resolved on a path that exists but is not a directory",
				})
			}
		}

		for _, name := range n.sortedChildNames() {
			walk(n.Children[name])
		}
	}

	walk(plan.Root)

	return diags
}

// DiagnoseMountState inspects the real mount table after Execute and flags
// nodes whose resolved strategy expects an active mount (Overlay, Bind, or
// Tmpfs) but the kernel reports none at that path — a post-apply sanity
// check supplementing DiagnosePlan's pre-apply checks, grounded on
// moby/sys/mountinfo.Mounted's is-this-path-a-mountpoint check (used the same
// way in the pack's mount-table inspection code). Since an Overlay node's
// mount covers its entire subtree, children beneath it are not independently
// checked.
func DiagnoseMountState(plan *MountPlan) []Diagnostic {
	var diags []Diagnostic

	var walk func(n *FsNode)

	walk = func(n *FsNode) {
		switch n.Strategy.Kind {
		case StrategyOverlay, StrategyBind, StrategyTmpfs:
			mounted, err := mountinfo.Mounted(n.Path)

			switch {
			case err != nil:
				diags = append(diags, Diagnostic{
					Level:   LevelWarning,
					Context: n.Path,
					Message: fmt.Sprintf("checking mount state: %v", err),
				})
			case !mounted:
				diags = append(diags, Diagnostic{
					Level:   LevelError,
					Context: n.Path,
					Message: fmt.Sprintf("%s strategy resolved but no active mount was found", n.Strategy.Kind),
				})
			}
		}

		if n.Strategy.Kind == StrategyOverlay {
			return
		}

		for _, name := range n.sortedChildNames() {
			walk(n.Children[name])
		}
	}

	walk(plan.Root)

	return diags
}
