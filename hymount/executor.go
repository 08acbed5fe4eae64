package hymount

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ExecutionResult accumulates, per strategy kind, the set of module ids that
// contributed to materialized nodes during Execute (spec.md §4.5). Each list
// is sorted; it is the only durable record of what a run did at the module
// level.
type ExecutionResult struct {
	OverlayModules  []string
	RedirectModules []string
	BindModules     []string
	TmpfsModules    []string
}

type moduleSet map[string]struct{}

func (s moduleSet) add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

func (s moduleSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// Executor materializes a resolved MountPlan against the real filesystem
// (spec.md §4.5).
type Executor struct {
	Config     Config
	Mounter    *Mounter
	Redirector *Redirector

	overlay  moduleSet
	redirect moduleSet
	bind     moduleSet
	tmpfs    moduleSet
}

// NewExecutor constructs an Executor bound to cfg, mounter and redirector.
func NewExecutor(cfg Config, mounter *Mounter, redirector *Redirector) *Executor {
	return &Executor{
		Config:     cfg,
		Mounter:    mounter,
		Redirector: redirector,
		overlay:    moduleSet{},
		redirect:   moduleSet{},
		bind:       moduleSet{},
		tmpfs:      moduleSet{},
	}
}

// Execute walks plan in pre-order and materializes every node's resolved
// strategy. On entry, if the redirector is available, its rule set is
// cleared and the debug/stealth toggles applied, per spec.md §4.5 and §5
// ("fully cleared before any add, making the operation idempotent"). On
// exit, it asks the redirector to reorder its mount-ID cache once for the
// whole run (supplemented from original_source/, see SPEC_FULL.md).
//
// Failures at one node are logged and do not abort the run: per spec.md §7,
// partial application is more valuable than total abort on a boot path.
func (ex *Executor) Execute(plan *MountPlan) (*ExecutionResult, error) {
	if ex.Redirector != nil && ex.Redirector.IsAvailable() {
		if err := ex.Redirector.ClearAll(); err != nil {
			ex.Config.debugf("execute: redirector clear_all: %v", err)
		} else {
			if err := ex.Redirector.SetDebug(ex.Config.HymofsDebug); err != nil {
				ex.Config.debugf("execute: redirector set_debug: %v", err)
			}

			if err := ex.Redirector.SetStealth(ex.Config.HymofsStealth); err != nil {
				ex.Config.debugf("execute: redirector set_stealth: %v", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Join(ex.Config.RunDir, "mirror"), 0o755); err != nil {
		return nil, newErr(KindIO, "execute", ex.Config.RunDir, err)
	}

	for _, name := range plan.Root.sortedChildNames() {
		ex.visit(plan.Root.Children[name])
	}

	if ex.Redirector != nil && ex.Redirector.IsAvailable() {
		if err := ex.Redirector.ReorderMountIDs(); err != nil {
			ex.Config.debugf("execute: redirector reorder_mnt_id: %v", err)
		}
	}

	return &ExecutionResult{
		OverlayModules:  ex.overlay.sorted(),
		RedirectModules: ex.redirect.sorted(),
		BindModules:     ex.bind.sorted(),
		TmpfsModules:    ex.tmpfs.sorted(),
	}, nil
}

func (ex *Executor) visit(node *FsNode) {
	switch node.Strategy.Kind {
	case StrategyPassthrough, StrategyUnresolved:
		for _, name := range node.sortedChildNames() {
			ex.visit(node.Children[name])
		}
	case StrategyOverlay:
		ex.materializeOverlay(node)
		// DO NOT recurse: the overlay covers the whole subtree, and
		// descending would re-mount over it.
	case StrategyRedirect:
		ex.materializeRedirect(node)
	case StrategyBind:
		ex.materializeBind(node)
	case StrategyTmpfs:
		ex.materializeTmpfs(node)
	}
}

func (ex *Executor) leafMutationType(node *FsNode) FileType {
	if len(node.Mutations) == 0 {
		return FileTypeFile
	}

	return node.Mutations[0].Type
}

func (ex *Executor) materializeOverlay(node *FsNode) {
	if err := os.MkdirAll(node.Path, 0o755); err != nil {
		ex.Config.debugf("execute(overlay): %s: %v", node.Path, err)

		return
	}

	if err := ex.Mounter.UnionMount(node.Path, node.Strategy.Lowerdirs, "", "", !ex.Config.DisableUmount); err != nil {
		ex.Config.debugf("execute(overlay): %s: %v", node.Path, err)

		return
	}

	for _, m := range activeMutations(node) {
		ex.overlay.add(m.ModuleID)
	}
}

// materializeRedirect copies the source into RUN_DIR/mirror at the same
// relative path, then installs an add_rule pointing target at the mirror
// copy. The physical copy (rather than redirecting straight at the module's
// own source) ensures subsequent module upgrades or removals don't leave
// dangling redirect targets (spec.md §4.5).
func (ex *Executor) materializeRedirect(node *FsNode) {
	if ex.Redirector == nil || !ex.Redirector.IsAvailable() {
		ex.Config.debugf("execute(redirect): %s: redirector not available, skipping", node.Path)

		return
	}

	m0 := activeMutations(node)[0]

	mirrorPath, err := safeJoin(filepath.Join(ex.Config.RunDir, "mirror"), node.Path)
	if err != nil {
		ex.Config.debugf("execute(redirect): %s: %v", node.Path, err)

		return
	}

	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0o755); err != nil {
		ex.Config.debugf("execute(redirect): %s: %v", node.Path, err)

		return
	}

	if err := copyFile(m0.Source, mirrorPath); err != nil {
		ex.Config.debugf("execute(redirect): %s: %v", node.Path, err)

		return
	}

	// type is always reported as unknown to the kernel module: add_rule's
	// wire contract only distinguishes rule kinds, not the file type behind
	// them (spec.md §4.5; original_source/executor.rs:113-117).
	if err := ex.Redirector.AddRule(node.Path, mirrorPath, FileTypeUnknown); err != nil {
		ex.Config.debugf("execute(redirect): %s: add_rule: %v", node.Path, err)

		return
	}

	if err := ex.Redirector.HideOverlayXattrs(node.Path); err != nil {
		ex.Config.debugf("execute(redirect): %s: hide_overlay_xattrs: %v", node.Path, err)
	}

	ex.redirect.add(m0.ModuleID)
}

func (ex *Executor) materializeBind(node *FsNode) {
	m0 := activeMutations(node)[0]

	if m0.Type == FileTypeDirectory {
		if err := os.MkdirAll(node.Path, 0o755); err != nil {
			ex.Config.debugf("execute(bind): %s: %v", node.Path, err)

			return
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(node.Path), 0o755); err != nil {
			ex.Config.debugf("execute(bind): %s: %v", node.Path, err)

			return
		}

		if err := ensureEmptyFile(node.Path); err != nil {
			ex.Config.debugf("execute(bind): %s: %v", node.Path, err)

			return
		}
	}

	if err := ex.Mounter.BindMount(m0.Source, node.Path, !ex.Config.DisableUmount); err != nil {
		ex.Config.debugf("execute(bind): %s: %v", node.Path, err)

		return
	}

	ex.bind.add(m0.ModuleID)
}

// materializeTmpfs implements the 6-step "Magic" skeleton algorithm (spec.md
// §4.5) and then recurses into children, which land on the placeholders
// created in step 5.
func (ex *Executor) materializeTmpfs(node *FsNode) {
	exclusions := make(map[string]bool)
	for _, name := range node.sortedChildNames() {
		if node.Children[name].Strategy.Kind != StrategyPassthrough {
			exclusions[name] = true
		}
	}

	mirrorRoot, err := safeJoin(filepath.Join(ex.Config.RunDir, "mirror"), node.Path)
	if err != nil {
		ex.Config.debugf("execute(tmpfs): %s: %v", node.Path, err)

		return
	}

	if err := os.MkdirAll(mirrorRoot, 0o755); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: %v", node.Path, err)

		return
	}

	if err := ex.Mounter.BindMount(node.Path, mirrorRoot, false); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: mirror bind: %v", node.Path, err)

		return
	}

	if err := ex.Mounter.SetPropagationPrivate(mirrorRoot); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: mirror propagation: %v", node.Path, err)
	}

	if err := ex.Mounter.TmpfsMount(node.Path, "hymount-"+filepath.Base(node.Path)); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: tmpfs mount: %v", node.Path, err)

		return
	}

	if err := cloneAttrs(mirrorRoot, node.Path); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: clone root attrs: %v", node.Path, err)
	}

	entries, err := os.ReadDir(mirrorRoot)
	if err != nil {
		ex.Config.debugf("execute(tmpfs): %s: readdir mirror: %v", node.Path, err)
	}

	for _, e := range entries {
		name := e.Name()
		mirrorEntry := filepath.Join(mirrorRoot, name)
		targetEntry := filepath.Join(node.Path, name)

		info, err := os.Lstat(mirrorEntry)
		if err != nil {
			ex.Config.debugf("execute(tmpfs): %s: lstat %s: %v", node.Path, name, err)

			continue
		}

		switch {
		case exclusions[name]:
			ex.createPlaceholder(mirrorEntry, targetEntry, info)
		case info.IsDir():
			if err := os.Mkdir(targetEntry, 0o755); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: mkdir %s: %v", node.Path, name, err)

				continue
			}

			if err := cloneAttrs(mirrorEntry, targetEntry); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: clone attrs %s: %v", node.Path, name, err)
			}

			if err := ex.Mounter.BindMount(mirrorEntry, targetEntry, false); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: bind %s: %v", node.Path, name, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			ex.recreateSymlink(mirrorEntry, targetEntry)
		default:
			if err := ensureEmptyFile(targetEntry); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: create %s: %v", node.Path, name, err)

				continue
			}

			if err := cloneAttrs(mirrorEntry, targetEntry); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: clone attrs %s: %v", node.Path, name, err)
			}

			if err := ex.Mounter.BindMount(mirrorEntry, targetEntry, false); err != nil {
				ex.Config.debugf("execute(tmpfs): %s: bind %s: %v", node.Path, name, err)
			}
		}
	}

	for _, m := range activeMutations(node) {
		ex.tmpfs.add(m.ModuleID)
	}

	for _, name := range node.sortedChildNames() {
		ex.visit(node.Children[name])
	}

	if err := ex.Mounter.SetPropagationPrivate(node.Path); err != nil {
		ex.Config.debugf("execute(tmpfs): %s: final propagation: %v", node.Path, err)
	}
}

func (ex *Executor) createPlaceholder(mirrorEntry, targetEntry string, info os.FileInfo) {
	if info.IsDir() {
		if err := os.Mkdir(targetEntry, 0o755); err != nil {
			ex.Config.debugf("execute(tmpfs): placeholder dir %s: %v", targetEntry, err)

			return
		}
	} else {
		if err := ensureEmptyFile(targetEntry); err != nil {
			ex.Config.debugf("execute(tmpfs): placeholder file %s: %v", targetEntry, err)

			return
		}
	}

	if err := cloneAttrs(mirrorEntry, targetEntry); err != nil {
		ex.Config.debugf("execute(tmpfs): placeholder attrs %s: %v", targetEntry, err)
	}
}

func (ex *Executor) recreateSymlink(mirrorEntry, targetEntry string) {
	dest, err := os.Readlink(mirrorEntry)
	if err != nil {
		ex.Config.debugf("execute(tmpfs): readlink %s: %v", mirrorEntry, err)

		return
	}

	if err := os.Symlink(dest, targetEntry); err != nil {
		ex.Config.debugf("execute(tmpfs): symlink %s: %v", targetEntry, err)

		return
	}

	cloneXattrs(mirrorEntry, targetEntry)
}

func ensureEmptyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return newErr(KindIO, "ensureEmptyFile", path, err)
	}

	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return newErr(KindIO, "copyFile", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return newErr(KindIO, "copyFile", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return newErr(KindIO, "copyFile", dst, err)
	}

	cloneXattrs(src, dst)

	return nil
}

// PruneStaleMirrors removes per-module mirror directories
// (RUN_DIR/mirror/modules/<id>) whose id is not among modules. Liveness is
// decided only from the ids passed in; no generation marker file is read or
// written. Mirror copies the executor makes at RUN_DIR/mirror/<absolute
// target path> are outside RUN_DIR/mirror/modules and are not pruned.
func PruneStaleMirrors(cfg Config, modules []Module) error {
	modulesDir := filepath.Join(cfg.RunDir, "mirror", "modules")

	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return newErr(KindIO, "PruneStaleMirrors", modulesDir, err)
	}

	live := make(map[string]bool, len(modules))
	for _, m := range modules {
		live[m.ID] = true
	}

	var errs []error

	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}

		stale := filepath.Join(modulesDir, e.Name())
		if err := os.RemoveAll(stale); err != nil {
			errs = append(errs, newErr(KindIO, "PruneStaleMirrors", stale, err))
		}
	}

	return joinErrors(errs)
}
