package hymount

import (
	mobymount "github.com/moby/sys/mount"
	"golang.org/x/sys/unix"
)

// BindMount clones a detached mount tree from "from" (recursively) and moves
// it onto "to" (spec.md §4.1). It tries the modern open_tree/move_mount API
// first, falling back to a classical recursive bind mount.
func (m *Mounter) BindMount(from, to string, releaseOnExit bool) error {
	if err := m.bindMountModern(from, to); err != nil {
		if classicalErr := m.bindMountClassical(from, to); classicalErr != nil {
			return newErr(KindMount, "bind_mount", to, classicalErr)
		}
	}

	m.markIfReleasable(to, releaseOnExit)

	return nil
}

func (m *Mounter) bindMountModern(from, to string) error {
	treefd, err := unix.OpenTree(unix.AT_FDCWD, from, unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE|unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(treefd)

	return unix.MoveMount(treefd, "", unix.AT_FDCWD, to, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

func (m *Mounter) bindMountClassical(from, to string) error {
	return mobymount.Mount(from, to, "none", "bind,rec,ro")
}
