package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/metahybrid/hymount-core/hymount"
)

// fileConfig is the on-disk shape of /data/adb/meta-hybrid/config.json(c):
// everything in hymount.Config that makes sense to persist between runs.
type fileConfig struct {
	SourceDir           string   `json:"source_dir,omitempty"`
	StorageRoot         string   `json:"storage_root,omitempty"`
	RunDir              string   `json:"run_dir,omitempty"`
	AdminRulesDir       string   `json:"admin_rules_dir,omitempty"`
	Partitions          []string `json:"partitions,omitempty"`
	DenyListModuleNames []string `json:"deny_list,omitempty"`
	ForceExt4           *bool    `json:"force_ext4,omitempty"`
	DisableUmount       *bool    `json:"disable_umount,omitempty"`
	HymofsDebug         *bool    `json:"hymofs_debug,omitempty"`
	HymofsStealth       *bool    `json:"hymofs_stealth,omitempty"`
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	ConfigPath string
	EnvVars    map[string]string
	CLIFlags   *pflag.FlagSet
}

// defaultFileConfigPath is the well-known on-disk config location, overridable
// with --config or the HYMOUNT_CONFIG environment variable.
const defaultFileConfigPath = "/data/adb/meta-hybrid/config.json"

// LoadConfig builds an hymount.Config with precedence (later overrides
// earlier): built-in defaults, a JSON-with-comments config file, then CLI
// flags — mirroring the teacher's LoadConfig layering in
// cmd/agent-sandbox/config.go.
func LoadConfig(input LoadConfigInput) (hymount.Config, string, error) {
	cfg := hymount.Config{
		SourceDir:   "/data/adb/modules",
		StorageRoot: "/data/adb/meta-hybrid/storage",
		RunDir:      "/data/adb/meta-hybrid/run",
	}

	path := input.ConfigPath
	if path == "" {
		path = input.EnvVars["HYMOUNT_CONFIG"]
	}

	if path == "" {
		path = defaultFileConfigPath
	}

	loadedPath := ""

	if fc, err := parseFileConfig(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return hymount.Config{}, "", err
		}
	} else {
		applyFileConfig(&cfg, fc)
		loadedPath = path
	}

	if input.CLIFlags != nil {
		if err := applyCLIFlags(&cfg, input.CLIFlags); err != nil {
			return hymount.Config{}, "", err
		}
	}

	return cfg, loadedPath, nil
}

func parseFileConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var fc fileConfig

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return fc, nil
}

func applyFileConfig(cfg *hymount.Config, fc fileConfig) {
	if fc.SourceDir != "" {
		cfg.SourceDir = fc.SourceDir
	}

	if fc.StorageRoot != "" {
		cfg.StorageRoot = fc.StorageRoot
	}

	if fc.RunDir != "" {
		cfg.RunDir = fc.RunDir
	}

	if fc.AdminRulesDir != "" {
		cfg.AdminRulesDir = fc.AdminRulesDir
	}

	cfg.Partitions = append(cfg.Partitions, fc.Partitions...)
	cfg.DenyListModuleNames = append(cfg.DenyListModuleNames, fc.DenyListModuleNames...)

	if fc.ForceExt4 != nil {
		cfg.ForceExt4 = *fc.ForceExt4
	}

	if fc.DisableUmount != nil {
		cfg.DisableUmount = *fc.DisableUmount
	}

	if fc.HymofsDebug != nil {
		cfg.HymofsDebug = *fc.HymofsDebug
	}

	if fc.HymofsStealth != nil {
		cfg.HymofsStealth = *fc.HymofsStealth
	}
}

func applyCLIFlags(cfg *hymount.Config, flags *pflag.FlagSet) error {
	if flags.Changed("source-dir") {
		v, _ := flags.GetString("source-dir")
		cfg.SourceDir = v
	}

	if flags.Changed("storage-root") {
		v, _ := flags.GetString("storage-root")
		cfg.StorageRoot = v
	}

	if flags.Changed("run-dir") {
		v, _ := flags.GetString("run-dir")
		cfg.RunDir = v
	}

	if flags.Changed("partition") {
		v, _ := flags.GetStringArray("partition")
		cfg.Partitions = append(cfg.Partitions, v...)
	}

	if flags.Changed("force-ext4") {
		v, _ := flags.GetBool("force-ext4")
		cfg.ForceExt4 = v
	}

	if flags.Changed("disable-umount") {
		v, _ := flags.GetBool("disable-umount")
		cfg.DisableUmount = v
	}

	if flags.Changed("hymofs-debug") {
		v, _ := flags.GetBool("hymofs-debug")
		cfg.HymofsDebug = v
	}

	if flags.Changed("hymofs-stealth") {
		v, _ := flags.GetBool("hymofs-stealth")
		cfg.HymofsStealth = v
	}

	return nil
}

func ensureConfigDirsExist(cfg hymount.Config) error {
	for _, dir := range []string{cfg.StorageRoot, cfg.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Clean(dir), err)
		}
	}

	return nil
}
