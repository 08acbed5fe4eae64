package hymount

// UnmountRegistry notifies the surrounding system that a mount may be
// released later (spec.md §4.1 mark_unmountable — "left abstract" in the
// spec; this is the interface callers inject). The default implementation
// just logs.
type UnmountRegistry interface {
	MarkUnmountable(path string) error
}

// noopUnmountRegistry is the default UnmountRegistry: a no-op logger.
type noopUnmountRegistry struct {
	debugf Debugf
}

func (r noopUnmountRegistry) MarkUnmountable(path string) error {
	if r.debugf != nil {
		r.debugf("mark_unmountable: %s", path)
	}

	return nil
}

// Mounter bundles the dependencies the mount primitives need: a scratch
// directory for staged union mounts and mirror content, and a registry for
// mark_unmountable. One Mounter is constructed per Executor run.
type Mounter struct {
	RunDir   string
	Registry UnmountRegistry
	Debugf   Debugf
}

// NewMounter constructs a Mounter. A nil registry defaults to a no-op logger.
func NewMounter(runDir string, registry UnmountRegistry, debugf Debugf) *Mounter {
	if registry == nil {
		registry = noopUnmountRegistry{debugf: debugf}
	}

	if debugf == nil {
		debugf = noopDebugf
	}

	return &Mounter{RunDir: runDir, Registry: registry, Debugf: debugf}
}

func (m *Mounter) markIfReleasable(path string, releaseOnExit bool) {
	if !releaseOnExit {
		return
	}

	if err := m.Registry.MarkUnmountable(path); err != nil {
		m.Debugf("mark_unmountable(%s): %v", path, err)
	}
}
