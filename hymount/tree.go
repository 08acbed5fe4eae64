package hymount

// StrategyKind discriminates the MountStrategy sum type (spec.md §3). A kind
// enum plus payload fields on one struct models it rather than an
// inheritance hierarchy, per the design note in spec.md §9 ("enumerations
// with payload are the right tool").
type StrategyKind int

const (
	StrategyUnresolved StrategyKind = iota
	StrategyPassthrough
	StrategyOverlay
	StrategyRedirect
	StrategyBind
	StrategyTmpfs
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyPassthrough:
		return "passthrough"
	case StrategyOverlay:
		return "overlay"
	case StrategyRedirect:
		return "redirect"
	case StrategyBind:
		return "bind"
	case StrategyTmpfs:
		return "tmpfs"
	default:
		return "unresolved"
	}
}

// MountStrategy is the resolved per-node decision produced by resolveTree.
//
// Only the fields relevant to Kind are meaningful:
//   - StrategyOverlay: Lowerdirs
//   - StrategyRedirect, StrategyBind: Source
//   - StrategyUnresolved, StrategyPassthrough, StrategyTmpfs: no payload
type MountStrategy struct {
	Kind      StrategyKind
	Lowerdirs []string
	Source    string
}

// FsNode is one node of the in-memory virtual filesystem tree built by the
// Planner. Nodes own their children by name (a pure tree, no back-edges),
// per the ownership design note in spec.md §9; identity is by Path.
type FsNode struct {
	Name      string
	Path      string
	Mutations []Mutation
	Children  map[string]*FsNode
	Strategy  MountStrategy
}

// newFsNode creates an empty node at path.
func newFsNode(name, path string) *FsNode {
	return &FsNode{
		Name:     name,
		Path:     path,
		Children: make(map[string]*FsNode),
	}
}

// child returns (creating if necessary) the named child of n.
func (n *FsNode) child(name string) *FsNode {
	if c, ok := n.Children[name]; ok {
		return c
	}

	childPath := n.Path
	if childPath == "/" {
		childPath += name
	} else {
		childPath += "/" + name
	}

	c := newFsNode(name, childPath)
	n.Children[name] = c

	return c
}

// sortedChildNames returns child names sorted for deterministic traversal
// (spec.md §5: "sibling order is unspecified but reproducible").
func (n *FsNode) sortedChildNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}

	sortStrings(names)

	return names
}
