package hymount

import (
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// splitComponents splits a relative path into its non-empty components,
// ignoring any leading/trailing slashes. "system/app/X" -> ["system","app","X"].
func splitComponents(relPath string) []string {
	clean := path.Clean("/" + relPath)
	clean = strings.TrimPrefix(clean, "/")

	if clean == "." || clean == "" {
		return nil
	}

	return strings.Split(clean, "/")
}

// joinComponents is the inverse of splitComponents.
func joinComponents(parts []string) string {
	return strings.Join(parts, "/")
}

// isPrefixComponents reports whether prefix is a component-wise prefix of
// full. A substring match (e.g. "system/et" against "system/etc") never
// counts; only whole path components are compared, per spec.md §3.
func isPrefixComponents(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}

	for i, p := range prefix {
		if full[i] != p {
			return false
		}
	}

	return true
}

// safeJoin resolves relPath against root the way the rest of the module's
// tree-walk and mirror-copy code expects: the result is guaranteed to stay
// inside root even if relPath contains ".." components or symlinks that
// would otherwise escape it. Module content trees are untrusted input (a
// malicious or buggy module could ship a path designed to escape its own
// content root), so every placement under storage_root/mirror is joined this
// way rather than with plain filepath.Join.
func safeJoin(root, relPath string) (string, error) {
	resolved, err := securejoin.SecureJoin(root, relPath)
	if err != nil {
		return "", newErr(KindIO, "safeJoin", root, err)
	}

	return resolved, nil
}
