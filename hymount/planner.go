package hymount

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MountPlan is the output of Generate: a virtual tree with every reachable
// node resolved to a MountStrategy (spec.md §3/§4.4).
type MountPlan struct {
	Root *FsNode
}

// ConflictEntry records a node where more than one module contributed a
// mutation whose resolved modes disagree (spec.md §4.4/§9 analyze_conflicts).
type ConflictEntry struct {
	Path      string
	ModuleIDs []string
	Modes     []MountMode
}

// Generate builds a single virtual filesystem tree merging all module
// contributions, then resolves a mount strategy for every interior node
// (spec.md §4.4).
//
// For each module, a content root is picked: if the module's default mode is
// Redirect, prefer RUN_DIR/mirror/modules/<module_id> when it exists (the
// executor does not write that directory; see contentRootFor); otherwise
// prefer storage_root/<module_id>; fall back to the module's own source
// directory. Within that root, the intersection of the built-in
// partition list and config.partitions with directories that actually exist
// is walked.
func Generate(cfg Config, modules []Module) (*MountPlan, error) {
	root := newFsNode("", "/")
	root.Path = "/"

	for _, module := range modules {
		contentRoot := contentRootFor(module, cfg)

		partitions := discoverPartitions(contentRoot, cfg)
		if len(partitions) == 0 {
			cfg.debugf("planner: module %s: no partitions found under %s", module.ID, contentRoot)

			continue
		}

		for _, part := range partitions {
			partDir, err := safeJoin(contentRoot, part)
			if err != nil {
				cfg.debugf("planner: module %s: partition %s: %v", module.ID, part, err)

				continue
			}

			if err := walkModuleSubtree(root, []string{part}, partDir, module); err != nil {
				cfg.debugf("planner: module %s: partition %s: %v", module.ID, part, err)
			}
		}
	}

	resolveTree(root, cfg)

	return &MountPlan{Root: root}, nil
}

// contentRootFor picks the directory to walk for a module, per spec.md §4.4.
//
// When a module's default mode is Redirect, the per-module mirror directory
// RUN_DIR/mirror/modules/<module_id> is preferred if it exists; otherwise
// storage_root/<module_id>; otherwise the module's own source directory.
// Nothing in this package populates RUN_DIR/mirror/modules/<module_id>
// (PruneStaleMirrors only removes stale entries there); the executor's
// redirect copies go to RUN_DIR/mirror/<absolute target path> instead.
func contentRootFor(module Module, cfg Config) string {
	if module.Rules.DefaultMode == ModeRedirect {
		mirrorModuleDir := filepath.Join(cfg.RunDir, "mirror", "modules", module.ID)
		if dirExists(mirrorModuleDir) {
			return mirrorModuleDir
		}
	}

	storageDir := filepath.Join(cfg.StorageRoot, module.ID)
	if dirExists(storageDir) {
		return storageDir
	}

	return module.Source
}

// realNodePath maps a virtual tree path onto the real filesystem location
// the planner should check for existence, honoring Config.FsRoot.
func realNodePath(cfg Config, nodePath string) string {
	if cfg.FsRoot == "" || cfg.FsRoot == "/" {
		return nodePath
	}

	return filepath.Join(cfg.FsRoot, nodePath)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}

// discoverPartitions returns the intersection of the built-in partition list
// and cfg.Partitions with directories that actually exist under contentRoot,
// in a stable (built-in-first, then extra) order.
func discoverPartitions(contentRoot string, cfg Config) []string {
	seen := make(map[string]bool)

	var out []string

	consider := func(name string) {
		if seen[name] {
			return
		}

		seen[name] = true

		if dirExists(filepath.Join(contentRoot, name)) {
			out = append(out, name)
		}
	}

	for _, p := range BuiltinPartitions {
		consider(p)
	}

	for _, p := range cfg.Partitions {
		consider(p)
	}

	return out
}

// walkModuleSubtree walks dir (the real on-disk directory backing relParts
// for this module) and inserts a Mutation at every leaf of the module's own
// contributed subtree.
//
// A leaf is a file, a symlink, or a directory with no entries of its own
// within this module (an empty directory). Intermediate ancestor
// directories that merely route to deeper module content are not recorded
// as mutations — only the terminal content units are. This is a deliberate
// resolution of an ambiguity between spec.md's literal "walk all
// descendants" planner description and spec.md §8 scenario 1, which
// requires /system/etc (the sole ancestor of a single contributed file,
// hosts) to carry no mutation of its own so it can fall through to the
// Tmpfs fallback in step 4; see DESIGN.md.
func walkModuleSubtree(root *FsNode, relParts []string, dir string, module Module) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newErr(KindIO, "walkModuleSubtree", dir, err)
	}

	if len(entries) == 0 {
		insertMutation(root, relParts, dir, FileTypeDirectory, module)

		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		childRel := append(append([]string{}, relParts...), e.Name())

		childPath, err := safeJoin(dir, e.Name())
		if err != nil {
			return err
		}

		info, err := os.Lstat(childPath)
		if err != nil {
			return newErr(KindIO, "walkModuleSubtree", childPath, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			insertMutation(root, childRel, childPath, FileTypeSymlink, module)
		case info.IsDir():
			if err := walkModuleSubtree(root, childRel, childPath, module); err != nil {
				return err
			}
		default:
			insertMutation(root, childRel, childPath, FileTypeFile, module)
		}
	}

	return nil
}

// insertMutation creates/descends nodes component-by-component and attaches
// a new Mutation to the leaf (spec.md §4.4 insert_into_tree).
func insertMutation(root *FsNode, relParts []string, realSource string, fileType FileType, module Module) {
	node := root
	for _, part := range relParts {
		node = node.child(part)
	}

	relPath := joinComponents(relParts)

	node.Mutations = append(node.Mutations, Mutation{
		ModuleID: module.ID,
		Source:   realSource,
		Type:     fileType,
		Mode:     module.Rules.GetMode(relPath),
	})
}

func isPartitionRootPath(path string) bool {
	parts := splitComponents(path)
	if len(parts) != 1 {
		return false
	}

	for _, p := range BuiltinPartitions {
		if p == parts[0] {
			return true
		}
	}

	return false
}

// resolveTree resolves a MountStrategy for every node, bottom-up (post-order),
// per spec.md §4.4 steps 1-5.
func resolveTree(node *FsNode, cfg Config) {
	for _, name := range node.sortedChildNames() {
		resolveTree(node.Children[name], cfg)
	}

	if node.Path == "/" || isPartitionRootPath(strings.TrimPrefix(node.Path, "/")) {
		node.Strategy = MountStrategy{Kind: StrategyPassthrough}

		return
	}

	active := activeMutations(node)

	if len(active) > 0 {
		m0 := active[0]

		switch m0.Mode {
		case ModeRedirect:
			if m0.Type == FileTypeDirectory {
				node.Strategy = MountStrategy{Kind: StrategyPassthrough}
			} else {
				node.Strategy = MountStrategy{Kind: StrategyRedirect, Source: m0.Source}
			}

			return
		case ModeTmpfs:
			if m0.Type == FileTypeDirectory {
				node.Strategy = MountStrategy{Kind: StrategyTmpfs}
			} else {
				node.Strategy = MountStrategy{Kind: StrategyBind, Source: m0.Source}
			}

			return
		}
	}

	allDirs := allDirectories(active)
	feasible := !cfg.ForceExt4 && allDirs && dirExists(realNodePath(cfg, node.Path))

	if feasible && len(active) > 0 {
		node.Strategy = MountStrategy{Kind: StrategyOverlay, Lowerdirs: lowerdirsFor(active)}

		return
	}

	if len(active) > 0 && active[0].Type != FileTypeDirectory {
		node.Strategy = MountStrategy{Kind: StrategyBind, Source: active[0].Source}

		return
	}

	if anyChildNonPassthrough(node) {
		node.Strategy = MountStrategy{Kind: StrategyTmpfs}

		return
	}

	node.Strategy = MountStrategy{Kind: StrategyPassthrough}
}

// activeMutations filters out Ignore-mode mutations: per spec.md §3
// MountMode semantics, Ignore means "this module makes no contribution
// here," so it must not influence overlay feasibility or precedence.
func activeMutations(node *FsNode) []Mutation {
	out := make([]Mutation, 0, len(node.Mutations))

	for _, m := range node.Mutations {
		if m.Mode != ModeIgnore {
			out = append(out, m)
		}
	}

	return out
}

func allDirectories(mutations []Mutation) bool {
	for _, m := range mutations {
		if m.Type != FileTypeDirectory {
			return false
		}
	}

	return true
}

func anyChildNonPassthrough(node *FsNode) bool {
	for _, c := range node.Children {
		if c.Strategy.Kind != StrategyPassthrough {
			return true
		}
	}

	return false
}

// lowerdirsFor builds the lowerdirs list for an Overlay strategy.
//
// Open question (spec.md §9): for overlay layering, module scan order is
// ascending precedence (a later-scanned module's layer sits on top), so
// lowerdirs — highest precedence first — are emitted in descending scan order
// (reversed insertion order). This applies to overlay layers only: the
// Redirect/Tmpfs/Bind decisions in resolveTree take the first-scanned active
// mutation. mutations is already in scan order since modules are ingested in
// sorted-id order during Generate.
func lowerdirsFor(mutations []Mutation) []string {
	out := make([]string, len(mutations))
	for i, m := range mutations {
		out[len(mutations)-1-i] = m.Source
	}

	return out
}

// PrintVisuals renders a human-readable tree dump with strategy tags,
// grounded on the teacher's DebugLogger.Bulletf-style formatting.
func (p *MountPlan) PrintVisuals() string {
	var b strings.Builder

	printNode(&b, p.Root, "", true)

	return b.String()
}

func printNode(b *strings.Builder, node *FsNode, prefix string, isLast bool) {
	name := node.Name
	if name == "" {
		name = "/"
	}

	connector := "├── "
	if isLast {
		connector = "└── "
	}

	if node.Path == "/" {
		connector = ""
	}

	fmt.Fprintf(b, "%s%s[%s] %s\n", prefix, connector, strings.ToUpper(node.Strategy.Kind.String()), name)

	childPrefix := prefix + "│   "
	if isLast {
		childPrefix = prefix + "    "
	}

	if node.Path == "/" {
		childPrefix = ""
	}

	names := node.sortedChildNames()
	for i, n := range names {
		printNode(b, node.Children[n], childPrefix, i == len(names)-1)
	}
}

// AnalyzeConflicts reports nodes where more than one module contributed a
// mutation whose resolved modes disagree, listing contending module ids in
// scan order (spec.md §9 design note — fully implemented here, not left
// empty).
func (p *MountPlan) AnalyzeConflicts() []ConflictEntry {
	var out []ConflictEntry

	var walk func(n *FsNode)

	walk = func(n *FsNode) {
		if len(n.Mutations) >= 2 {
			modes := make(map[MountMode]bool)
			for _, m := range n.Mutations {
				modes[m.Mode] = true
			}

			if len(modes) > 1 {
				entry := ConflictEntry{Path: n.Path}
				for _, m := range n.Mutations {
					entry.ModuleIDs = append(entry.ModuleIDs, m.ModuleID)
					entry.Modes = append(entry.Modes, m.Mode)
				}

				out = append(out, entry)
			}
		}

		for _, name := range n.sortedChildNames() {
			walk(n.Children[name])
		}
	}

	walk(p.Root)

	return out
}
