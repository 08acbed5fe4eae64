package hymount

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// redirectorDevice is the well-known character device exposed by the
// kernel-resident redirector driver (spec.md §4.2/§6).
const redirectorDevice = "/dev/hymo_ctl"

// redirectorProtocolVersion is the protocol version this bridge speaks.
// check_status() compares the device's reported version against this
// compiled-in constant.
const redirectorProtocolVersion = 2

// Linux ioctl direction/size encoding (include/uapi/asm-generic/ioctl.h).
// This is part of the wire contract with the kernel module and must be
// reproduced exactly, not hand-computed per call site (spec.md §9).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	redirectorMagic = 0xE0
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | redirectorMagic<<iocTypeShift | nr<<iocNrShift
}

// ruleArg mirrors the kernel module's rule struct exactly (spec.md §6):
//
//	struct { const char *src; const char *target; int type; }
//
// Strings are NUL-terminated and borrowed for the duration of the call.
type ruleArg struct {
	src    *byte
	target *byte
	typ    int32
}

// listArg mirrors the kernel module's list struct exactly (spec.md §6):
//
//	struct { char *buf; size_t size; }
type listArg struct {
	buf  *byte
	size uintptr
}

var (
	cmdAddRule           = ioc(iocWrite, 1, unsafe.Sizeof(ruleArg{}))
	cmdDelRule           = ioc(iocWrite, 2, unsafe.Sizeof(ruleArg{}))
	cmdHideRule          = ioc(iocWrite, 3, unsafe.Sizeof(ruleArg{}))
	cmdClearAll          = ioc(iocNone, 5, 0)
	cmdGetVersion        = ioc(iocRead, 6, unsafe.Sizeof(int32(0)))
	cmdListRules         = ioc(iocRead|iocWrite, 7, unsafe.Sizeof(listArg{}))
	cmdSetDebug          = ioc(iocWrite, 8, unsafe.Sizeof(int32(0)))
	cmdReorderMntID      = ioc(iocNone, 9, 0)
	cmdSetStealth        = ioc(iocWrite, 10, unsafe.Sizeof(int32(0)))
	cmdHideOverlayXattrs = ioc(iocWrite, 11, unsafe.Sizeof(ruleArg{}))
)

// RedirectorStatus is the result of check_status() (spec.md §4.2).
type RedirectorStatus int

const (
	StatusAvailable RedirectorStatus = iota
	StatusNotPresent
	StatusProtocolMismatch
)

func (s RedirectorStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusProtocolMismatch:
		return "protocol-mismatch"
	default:
		return "not-present"
	}
}

// Redirector is the stateless façade over the kernel redirector device
// (spec.md §4.2, §9 "Global mutable state"). Each call opens the device,
// issues one ioctl, and closes it — there is no user-space singleton to
// coordinate, matching the design note that models the bridge as a stateless
// façade rooted in kernel state.
type Redirector struct {
	devicePath string
}

// NewRedirector returns a Redirector bound to the well-known device path.
func NewRedirector() *Redirector {
	return &Redirector{devicePath: redirectorDevice}
}

func (r *Redirector) open() (*os.File, error) {
	f, err := os.OpenFile(r.devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, newErr(KindIoctl, "open", r.devicePath, err)
	}

	return f, nil
}

func (r *Redirector) ioctl(cmd uintptr, arg uintptr) error {
	f, err := r.open()
	if err != nil {
		return err
	}
	defer f.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), cmd, arg)
	if errno != 0 {
		return newErr(KindIoctl, "ioctl", r.devicePath, errno)
	}

	return nil
}

// IsAvailable reports whether the redirector device exists at all (spec.md
// §4.2). It does not validate the protocol version.
func (r *Redirector) IsAvailable() bool {
	_, err := os.Stat(r.devicePath)

	return err == nil
}

// CheckStatus derives availability by reading the device's protocol version
// and comparing it to redirectorProtocolVersion. NotPresent silently
// disables all redirect strategies elsewhere in the pipeline (spec.md §4.2).
func (r *Redirector) CheckStatus() RedirectorStatus {
	if !r.IsAvailable() {
		return StatusNotPresent
	}

	f, err := r.open()
	if err != nil {
		return StatusNotPresent
	}
	defer f.Close()

	var version int32

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), cmdGetVersion, uintptr(unsafe.Pointer(&version)))
	if errno != 0 {
		return StatusNotPresent
	}

	if version != redirectorProtocolVersion {
		return StatusProtocolMismatch
	}

	return StatusAvailable
}

// ClearAll wipes all installed rules. Calling it before any add makes a run
// idempotent (spec.md §5).
func (r *Redirector) ClearAll() error {
	return r.ioctl(cmdClearAll, 0)
}

// SetDebug toggles the kernel module's debug logging.
func (r *Redirector) SetDebug(on bool) error {
	v := boolToInt32(on)

	return r.ioctl(cmdSetDebug, uintptr(unsafe.Pointer(&v)))
}

// SetStealth toggles the kernel module's stealth mode.
func (r *Redirector) SetStealth(on bool) error {
	v := boolToInt32(on)

	return r.ioctl(cmdSetStealth, uintptr(unsafe.Pointer(&v)))
}

// AddRule installs a redirection of reads at target toward source.
func (r *Redirector) AddRule(target, source string, fileType FileType) error {
	return r.ruleIoctl(cmdAddRule, target, source, fileType)
}

// HidePath installs a negative rule making path appear absent.
func (r *Redirector) HidePath(path string) error {
	return r.ruleIoctl(cmdHideRule, path, "", FileTypeUnknown)
}

// HideOverlayXattrs asks the kernel module to hide overlay-internal xattrs
// (trusted.overlay.*) for reads at path — a supplemented feature carried over
// from original_source/src/mount/hymofs.rs (see SPEC_FULL.md). Best-effort:
// callers ignore NotPresent/ProtocolMismatch failures.
func (r *Redirector) HideOverlayXattrs(path string) error {
	return r.ruleIoctl(cmdHideOverlayXattrs, path, "", FileTypeUnknown)
}

// ReorderMountIDs asks the kernel module to renumber its internal mount-ID
// cache so /proc/self/mountinfo ordering stays stable across runs (see
// SPEC_FULL.md, supplemented from original_source). Advisory; failures are
// not fatal.
func (r *Redirector) ReorderMountIDs() error {
	return r.ioctl(cmdReorderMntID, 0)
}

func (r *Redirector) ruleIoctl(cmd uintptr, target, source string, fileType FileType) error {
	srcBytes, err := unix.BytePtrFromString(source)
	if err != nil {
		return newErr(KindIoctl, "ruleIoctl", target, err)
	}

	targetBytes, err := unix.BytePtrFromString(target)
	if err != nil {
		return newErr(KindIoctl, "ruleIoctl", target, err)
	}

	arg := ruleArg{src: srcBytes, target: targetBytes, typ: int32(fileType)}

	return r.ioctl(cmd, uintptr(unsafe.Pointer(&arg)))
}

// ListActiveRules returns the line-oriented diagnostic dump described in
// spec.md §4.2/§6: "HymoFS Protocol: <n>", "add <src> <target> <type>",
// "hide <path>" lines.
func (r *Redirector) ListActiveRules() (string, error) {
	const bufSize = 64 * 1024

	buf := make([]byte, bufSize)

	arg := listArg{buf: &buf[0], size: bufSize}

	if err := r.ioctl(cmdListRules, uintptr(unsafe.Pointer(&arg))); err != nil {
		return "", err
	}

	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}

	return string(buf[:end]), nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}

	return 0
}
