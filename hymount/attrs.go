package hymount

import (
	"os"

	"github.com/containerd/continuity/sysx"
	"golang.org/x/sys/unix"
)

// cloneAttrs copies mode, ownership, and security-context xattrs from src to
// dst (spec.md §4.5 step 4, "Clone attributes (mode, uid/gid, security
// context) from the mirror root to the new tmpfs root", and the per-entry
// cloning in step 5). Best-effort: xattr failures are common on filesystems
// that don't support the requested namespace and are not treated as fatal,
// but mode/ownership failures are.
func cloneAttrs(src, dst string) error {
	var st unix.Stat_t
	if err := unix.Lstat(src, &st); err != nil {
		return newErr(KindIO, "cloneAttrs", src, err)
	}

	if err := os.Chmod(dst, os.FileMode(st.Mode&0o7777)); err != nil {
		return newErr(KindIO, "cloneAttrs", dst, err)
	}

	if err := unix.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return newErr(KindIO, "cloneAttrs", dst, err)
	}

	cloneXattrs(src, dst)

	return nil
}

// cloneXattrs best-effort copies every xattr (notably security.selinux) from
// src to dst using containerd/continuity's sysx wrapper.
func cloneXattrs(src, dst string) {
	names, err := sysx.LListxattr(src)
	if err != nil {
		return
	}

	for _, name := range names {
		val, err := sysx.LGetxattr(src, name)
		if err != nil {
			continue
		}

		_ = sysx.LSetxattr(dst, name, val, 0)
	}
}
