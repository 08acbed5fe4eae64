package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/metahybrid/hymount-core/hymount"
)

// hymountExecutableName is the canonical name of the hymount-core binary.
const hymountExecutableName = "hymount-core"

// Run is the main entry point, isolated from process globals (stdin/stdout/
// stderr/env), mirroring cmd/agent-sandbox/run.go's Run signature.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string) int {
	if err := checkPlatformPrerequisites(); err != nil {
		fprintError(stderr, err)

		return 1
	}

	flags := flag.NewFlagSet(hymountExecutableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.BoolP("version", "v", false, "Show version and exit")
	flagDebug := flags.Bool("debug", false, "Print plan/execution details to stderr")
	flagConfig := flags.StringP("config", "c", "", "Use specified config file")

	flags.String("source-dir", "", "Override module source directory")
	flags.String("storage-root", "", "Override per-module storage root")
	flags.String("run-dir", "", "Override mirror/staging run directory")
	flags.StringArray("partition", nil, "Additional partition name to consider (repeatable)")
	flags.Bool("force-ext4", false, "Disable overlay feasibility globally")
	flags.Bool("disable-umount", false, "Do not tag mounts as releasable")
	flags.Bool("hymofs-debug", false, "Enable redirector debug logging")
	flags.Bool("hymofs-stealth", false, "Enable redirector stealth mode")

	if err := flags.Parse(args[1:]); err != nil {
		fprintError(stderr, err)
		printUsage(stderr)

		return 1
	}

	if *flagVersion {
		fprintf(stdout, "%s\n", formatVersion())

		return 0
	}

	subcommandAndArgs := flags.Args()

	if *flagHelp || len(subcommandAndArgs) == 0 {
		printUsage(stdout)

		return 0
	}

	cfg, loadedPath, err := LoadConfig(LoadConfigInput{ConfigPath: *flagConfig, EnvVars: env, CLIFlags: flags})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	var debug *DebugLogger
	if *flagDebug {
		debug = NewDebugLogger(stderr)
	}

	cfg.Debugf = debug.AsDebugf()

	if loadedPath != "" {
		debug.Logf("config: loaded %s", loadedPath)
	} else {
		debug.Logf("config: no config file found, using defaults")
	}

	switch subcommandAndArgs[0] {
	case "check":
		return runCheck(stdout, stderr)
	case "plan":
		return runPlan(cfg, stdout, stderr, debug)
	case "apply":
		return runApply(cfg, stdout, stderr, debug)
	default:
		fprintln(stderr, hymountExecutableName+": unknown subcommand "+subcommandAndArgs[0])
		printUsage(stderr)

		return 1
	}
}

func buildPlan(cfg hymount.Config, debug *DebugLogger) (*hymount.MountPlan, []hymount.Module, error) {
	modules, err := hymount.Scan(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("scanning modules: %w", err)
	}

	debug.ModuleList(modules)

	if err := ensureConfigDirsExist(cfg); err != nil {
		return nil, nil, err
	}

	plan, err := hymount.Generate(cfg, modules)
	if err != nil {
		return nil, nil, fmt.Errorf("generating plan: %w", err)
	}

	debug.Plan(plan)
	debug.Conflicts(plan.AnalyzeConflicts())
	debug.Diagnostics(hymount.DiagnosePlan(plan))

	return plan, modules, nil
}

func runPlan(cfg hymount.Config, stdout, stderr io.Writer, debug *DebugLogger) int {
	plan, _, err := buildPlan(cfg, debug)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	fprintln(stdout, strings.TrimRight(plan.PrintVisuals(), "\n"))

	return 0
}

func runApply(cfg hymount.Config, stdout, stderr io.Writer, debug *DebugLogger) int {
	plan, modules, err := buildPlan(cfg, debug)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	redirector := hymount.NewRedirector()
	mounter := hymount.NewMounter(cfg.RunDir, nil, cfg.Debugf)

	executor := hymount.NewExecutor(cfg, mounter, redirector)

	result, err := executor.Execute(plan)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	debug.Result(result)
	debug.Diagnostics(hymount.DiagnoseMountState(plan))

	if err := hymount.PruneStaleMirrors(cfg, modules); err != nil {
		debug.Logf("prune_stale_mirrors: %v", err)
	}

	fprintln(stdout, "applied")

	return 0
}

func runCheck(stdout, stderr io.Writer) int {
	redirector := hymount.NewRedirector()
	status := redirector.CheckStatus()

	fprintln(stdout, "redirector:", status)

	if status != hymount.StatusAvailable {
		return 1
	}

	return 0
}

const usageHelp = `hymount-core - boot-time filesystem composer for system modules

Usage: hymount-core [flags] <subcommand> [args]

Subcommands:
  plan     Scan modules, build the mount plan, print it, and exit
  apply    Scan modules, build the mount plan, and materialize it
  check    Report whether the kernel redirector device is usable

Flags:
  -h, --help               Show help
  -v, --version            Show version and exit
  -c, --config <file>      Use specified config file
      --debug              Print plan/execution details to stderr
      --source-dir <dir>   Override module source directory
      --storage-root <dir> Override per-module storage root
      --run-dir <dir>      Override mirror/staging run directory
      --partition <name>   Additional partition name to consider (repeatable)
      --force-ext4         Disable overlay feasibility globally
      --disable-umount     Do not tag mounts as releasable
      --hymofs-debug       Enable redirector debug logging
      --hymofs-stealth     Enable redirector stealth mode

Examples:
  hymount-core plan
  hymount-core --debug apply
  hymount-core check`

func printUsage(output io.Writer) {
	fprintln(output, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	fprintln(out, hymountExecutableName+": error:", err)
}

func formatVersion() string {
	if version == "source" {
		return fmt.Sprintf("%s (built from source, %s)", hymountExecutableName, date)
	}

	return fmt.Sprintf("%s %s (%s, %s)", hymountExecutableName, version, commit, date)
}

func checkPlatformPrerequisites() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("checking platform prerequisites: requires Linux (mount/ioctl syscalls are Linux-only)")
	}

	if os.Getuid() != 0 {
		return fmt.Errorf("checking platform prerequisites: requires root (mount/ioctl require CAP_SYS_ADMIN)")
	}

	return nil
}
