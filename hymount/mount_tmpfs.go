package hymount

import "golang.org/x/sys/unix"

// TmpfsMount mounts a fresh tmpfs at target carrying sourceLabel so it is
// distinguishable in mount tables (spec.md §4.1).
func (m *Mounter) TmpfsMount(target, sourceLabel string) error {
	if err := m.tmpfsMountModern(target, sourceLabel); err == nil {
		return nil
	}

	if err := unix.Mount(sourceLabel, target, "tmpfs", 0, ""); err != nil {
		return newErr(KindMount, "mount(tmpfs)", target, err)
	}

	return nil
}

func (m *Mounter) tmpfsMountModern(target, sourceLabel string) error {
	fsfd, err := unix.Fsopen("tmpfs", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigSetString(fsfd, "source", sourceLabel); err != nil {
		return err
	}

	if err := unix.FsconfigCreate(fsfd); err != nil {
		return err
	}

	mountfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(mountfd)

	return unix.MoveMount(mountfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
}

// SetPropagationPrivate sets MS_PRIVATE propagation on the mount at path
// (spec.md §4.5 steps 2 and 6 of the Tmpfs/"Magic" algorithm).
func (m *Mounter) SetPropagationPrivate(path string) error {
	if err := unix.Mount("", path, "", unix.MS_PRIVATE, ""); err != nil {
		return newErr(KindMount, "mount(private)", path, err)
	}

	return nil
}

// Unmount detaches the mount at path. detach requests MNT_DETACH (lazy
// unmount) rather than an immediate unmount.
func (m *Mounter) Unmount(path string, detach bool) error {
	var flags int
	if detach {
		flags = unix.MNT_DETACH
	}

	if err := unix.Unmount(path, flags); err != nil {
		return newErr(KindMount, "unmount", path, err)
	}

	return nil
}
