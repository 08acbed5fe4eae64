package hymount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// maxLowerdirArgBytes is the rough ceiling (spec.md §4.1) past which the
// joined lowerdir string risks exceeding the kernel's mount-options length
// limit and staged mounting must be used instead.
const maxLowerdirArgBytes = 4096

// stageChunkBytes bounds each staged chunk comfortably under the ceiling.
const stageChunkBytes = 3584

// UnionMount stacks lowerdirs (highest precedence first) over the existing
// content at target, appended as the lowest layer, and mounts the result at
// target (spec.md §4.1).
//
// It tries the modern fs-configuration API first, falling back to the
// classical mount(2) string-options path on failure. When the assembled
// lowerdir argument would exceed roughly 4 KiB, it switches to staged
// mounting instead. upperdir/workdir are incompatible with staging.
func (m *Mounter) UnionMount(target string, lowerdirs []string, upperdir, workdir string, releaseOnExit bool) error {
	if len(lowerdirs) == 0 {
		return newErr(KindMount, "union_mount", target, errors.New("overlay requires at least one lowerdir"))
	}

	joined := strings.Join(lowerdirs, ":")

	if len(joined)+len(target)+32 <= maxLowerdirArgBytes {
		if err := m.mountOverlaySingleStage(target, lowerdirs, upperdir, workdir); err != nil {
			return err
		}

		m.markIfReleasable(target, releaseOnExit)

		return nil
	}

	if upperdir != "" || workdir != "" {
		return newErr(KindMount, "union_mount", target, errors.New("staged overlay mounting is incompatible with upperdir/workdir"))
	}

	if err := m.mountOverlayStaged(target, lowerdirs); err != nil {
		return err
	}

	m.markIfReleasable(target, releaseOnExit)

	return nil
}

// mountOverlaySingleStage performs one overlay mount, appending target
// itself as the lowest layer via an open file descriptor path (so the mount
// sees target's pre-existing content even though target is about to be
// replaced by the new mount).
func (m *Mounter) mountOverlaySingleStage(target string, lowerdirs []string, upperdir, workdir string) error {
	bottomRef, closeBottom, err := openPathRef(target)
	if err != nil {
		return newErr(KindMount, "union_mount", target, err)
	}
	defer closeBottom()

	allLower := append(append([]string{}, lowerdirs...), bottomRef)

	if err := m.mountOverlayModern(target, allLower, upperdir, workdir); err == nil {
		return nil
	}

	return m.mountOverlayClassical(target, allLower, upperdir, workdir)
}

// openPathRef opens target as an O_PATH descriptor and returns a
// /proc/self/fd reference usable as a lowerdir component, plus a closer.
// This is the "open file descriptor path" referenced in spec.md §4.1.
func openPathRef(target string) (string, func(), error) {
	fd, err := unix.Open(target, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", func() {}, err
	}

	return fmt.Sprintf("/proc/self/fd/%d", fd), func() { _ = unix.Close(fd) }, nil
}

// mountOverlayModern uses the fsopen/fsconfig/fsmount/move_mount API
// (golang.org/x/sys/unix), grounded on the DataDog datadog-agent functional
// test helpers for the new mount API (see DESIGN.md).
func (m *Mounter) mountOverlayModern(target string, lowerdirs []string, upperdir, workdir string) error {
	fsfd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return newErr(KindMount, "fsopen", target, err)
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigSetString(fsfd, "lowerdir", strings.Join(lowerdirs, ":")); err != nil {
		return newErr(KindMount, "fsconfig(lowerdir)", target, err)
	}

	if upperdir != "" {
		if err := unix.FsconfigSetString(fsfd, "upperdir", upperdir); err != nil {
			return newErr(KindMount, "fsconfig(upperdir)", target, err)
		}
	}

	if workdir != "" {
		if err := unix.FsconfigSetString(fsfd, "workdir", workdir); err != nil {
			return newErr(KindMount, "fsconfig(workdir)", target, err)
		}
	}

	if err := unix.FsconfigCreate(fsfd); err != nil {
		return newErr(KindMount, "fsconfig(create)", target, err)
	}

	mountfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return newErr(KindMount, "fsmount", target, err)
	}
	defer unix.Close(mountfd)

	if err := unix.MoveMount(mountfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return newErr(KindMount, "move_mount", target, err)
	}

	return nil
}

// mountOverlayClassical falls back to the string-options mount(2) path
// (grounded on other_examples/49684453_getsolus-solbuild__builder-overlay.go.go).
func (m *Mounter) mountOverlayClassical(target string, lowerdirs []string, upperdir, workdir string) error {
	opts := "lowerdir=" + strings.Join(lowerdirs, ":")
	if upperdir != "" {
		opts += ",upperdir=" + upperdir
	}

	if workdir != "" {
		opts += ",workdir=" + workdir
	}

	if err := unix.Mount("overlay", target, "overlay", 0, opts); err != nil {
		return newErr(KindMount, "mount(overlay)", target, err)
	}

	return nil
}

// mountOverlayStaged partitions lowerdirs into ≲3.5 KiB chunks and mounts
// each as its own intermediate union in a scratch directory, using the
// previous stage as its bottom layer, finally mounting the top chunk at
// target. Intermediate scratch mounts are unmounted and removed if any stage
// fails; cleanup is only committed (skipped) on full success.
func (m *Mounter) mountOverlayStaged(target string, lowerdirs []string) error {
	chunks := chunkLowerdirs(lowerdirs, stageChunkBytes)

	stagingDir := filepath.Join(m.RunDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return newErr(KindMount, "union_mount(staged)", target, err)
	}

	ns := time.Now().UnixNano()

	var createdStages []string

	cleanup := func() {
		for i := len(createdStages) - 1; i >= 0; i-- {
			stage := createdStages[i]
			_ = unix.Unmount(stage, unix.MNT_DETACH)
			_ = os.RemoveAll(stage)
		}
	}

	bottom := target

	for i, chunk := range chunks[:len(chunks)-1] {
		stagePath := filepath.Join(stagingDir, fmt.Sprintf("stage_%d_%d", ns, i))
		if err := os.MkdirAll(stagePath, 0o755); err != nil {
			cleanup()

			return newErr(KindMount, "union_mount(staged)", target, err)
		}

		lower := append(append([]string{}, chunk...), bottom)

		if err := m.mountOverlayModern(stagePath, lower, "", ""); err != nil {
			if classicalErr := m.mountOverlayClassical(stagePath, lower, "", ""); classicalErr != nil {
				cleanup()

				return newErr(KindMount, "union_mount(staged)", stagePath, classicalErr)
			}
		}

		createdStages = append(createdStages, stagePath)
		bottom = stagePath
	}

	bottomRef, closeBottom, err := openPathRef(target)
	if err != nil {
		cleanup()

		return newErr(KindMount, "union_mount(staged)", target, err)
	}
	defer closeBottom()

	topChunk := chunks[len(chunks)-1]
	finalLower := append(append([]string{}, topChunk...), bottom, bottomRef)

	if err := m.mountOverlayModern(target, finalLower, "", ""); err != nil {
		if classicalErr := m.mountOverlayClassical(target, finalLower, "", ""); classicalErr != nil {
			cleanup()

			return newErr(KindMount, "union_mount(staged)", target, classicalErr)
		}
	}

	// Full success: scratch stage mounts remain in place (they are the
	// bottom layers of the final mount) and are not cleaned up.
	return nil
}

// chunkLowerdirs partitions lowerdirs (order preserved) into groups whose
// joined (":"-separated) length stays under maxBytes.
func chunkLowerdirs(lowerdirs []string, maxBytes int) [][]string {
	var chunks [][]string

	var cur []string

	curLen := 0

	for _, dir := range lowerdirs {
		add := len(dir) + 1

		if len(cur) > 0 && curLen+add > maxBytes {
			chunks = append(chunks, cur)
			cur = nil
			curLen = 0
		}

		cur = append(cur, dir)
		curLen += add
	}

	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}

	if len(chunks) == 0 {
		chunks = append(chunks, nil)
	}

	return chunks
}
