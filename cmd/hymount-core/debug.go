package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/metahybrid/hymount-core/hymount"
)

// DebugLogger provides structured debug output for planning/execution,
// grounded on the teacher's DebugLogger in cmd/agent-sandbox/debug.go. It is
// disabled by default (when output is nil) and outputs to stderr when
// enabled.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger. If output is nil, the logger is
// disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (d *DebugLogger) Enabled() bool {
	return d != nil && d.output != nil
}

// AsDebugf adapts the logger to hymount.Debugf for threading through
// Scan/Generate/Execute.
func (d *DebugLogger) AsDebugf() hymount.Debugf {
	return func(format string, args ...any) {
		d.Logf(format, args...)
	}
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// ModuleList outputs the sorted module ids loaded by a scan.
func (d *DebugLogger) ModuleList(modules []hymount.Module) {
	if !d.Enabled() {
		return
	}

	d.Section("Modules")

	if len(modules) == 0 {
		d.Logf("  (none enabled)")

		return
	}

	for _, m := range modules {
		d.Bulletf("%s (default=%s, %d path overrides)", m.ID, m.Rules.DefaultMode, len(m.Rules.Paths))
	}
}

// Plan outputs the rendered tree from MountPlan.PrintVisuals.
func (d *DebugLogger) Plan(plan *hymount.MountPlan) {
	if !d.Enabled() {
		return
	}

	d.Section("Plan")
	d.Logf("%s", strings.TrimRight(plan.PrintVisuals(), "\n"))
}

// Conflicts outputs AnalyzeConflicts findings.
func (d *DebugLogger) Conflicts(conflicts []hymount.ConflictEntry) {
	if !d.Enabled() || len(conflicts) == 0 {
		return
	}

	d.Section("Conflicts")

	for _, c := range conflicts {
		d.Bulletf("%s: %v across modules %v", c.Path, c.Modes, c.ModuleIDs)
	}
}

// Diagnostics outputs DiagnosePlan findings.
func (d *DebugLogger) Diagnostics(diags []hymount.Diagnostic) {
	if !d.Enabled() || len(diags) == 0 {
		return
	}

	d.Section("Diagnostics")

	for _, diag := range diags {
		d.Bulletf("[%s] %s: %s", strings.ToUpper(diag.Level.String()), diag.Context, diag.Message)
	}
}

// Result outputs ExecutionResult's per-strategy module lists.
func (d *DebugLogger) Result(res *hymount.ExecutionResult) {
	if !d.Enabled() {
		return
	}

	d.Section("Execution Result")
	d.Bulletf("overlay: %v", res.OverlayModules)
	d.Bulletf("redirect: %v", res.RedirectModules)
	d.Bulletf("bind: %v", res.BindModules)
	d.Bulletf("tmpfs: %v", res.TmpfsModules)
}
