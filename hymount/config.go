package hymount

// Debugf receives debug messages from scanning, planning, and execution. A
// nil Debugf must never be called directly; call sites always go through
// Config.debugf(), which substitutes a no-op. Mirrors sandbox.Debugf in the
// teacher package.
type Debugf func(format string, args ...any)

func noopDebugf(string, ...any) {}

// Config holds the runtime knobs read by Inventory/Planner/Executor (spec.md
// §6 "Configuration knobs"). It is distinct from the CLI's own config-loading
// types in cmd/hymount-core, the same way sandbox.Config is distinct from the
// CLI's LoadConfigInput/Config in the teacher package.
type Config struct {
	// SourceDir is where enabled modules live, one directory per module id.
	SourceDir string

	// StorageRoot is the preferred content root for a module
	// (storage_root/<module_id>) when its default mode is not Redirect.
	StorageRoot string

	// RunDir roots the mirror and staging directories used by the executor.
	RunDir string

	// AdminRulesDir is the well-known admin override directory, keyed by
	// module id. Empty means the default (/data/adb/meta-hybrid/rules).
	AdminRulesDir string

	// Partitions lists additional partition names to consider, beyond the
	// built-in list.
	Partitions []string

	// DenyListModuleNames lists directory basenames under SourceDir that are
	// never treated as modules (e.g. "lost+found", ".git").
	DenyListModuleNames []string

	// ForceExt4 disables Overlay feasibility globally when true.
	ForceExt4 bool

	// FsRoot prefixes the real on-disk existence check the planner performs
	// before choosing Overlay or Tmpfs ("does this virtual path have a real
	// backing directory"). Empty (the runtime default) means no prefix — the
	// virtual tree is rooted at the real "/". Tests set this to a t.TempDir()
	// to fake a system tree without touching the real root filesystem.
	FsRoot string

	// DisableUmount suppresses mark_unmountable tagging when true.
	DisableUmount bool

	// HymofsDebug and HymofsStealth are passed to the redirector bridge.
	HymofsDebug   bool
	HymofsStealth bool

	// Debugf receives debug output; nil disables it.
	Debugf Debugf
}

func (c Config) debugf(format string, args ...any) {
	if c.Debugf == nil {
		return
	}

	c.Debugf(format, args...)
}

// BuiltinPartitions is the well-known partition list intersected with
// config.Partitions during planning (spec.md §4.4).
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "odm_dlkm", "vendor_dlkm", "system_dlkm"}

// DefaultDenyListModuleNames are module-directory basenames that Inventory.Scan
// always skips, regardless of Config.DenyListModuleNames (spec.md §4.3/§6).
var DefaultDenyListModuleNames = []string{"lost+found", ".git", ".core", "00", "tmp"}

// Marker file names inside a module's root that disable it (spec.md §6).
const (
	markerDisable    = "disable"
	markerRemove     = "remove"
	markerSkipMount  = "skipmount"
	mirrorGeneration = ".generation"
)
