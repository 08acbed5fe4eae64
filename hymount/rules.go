package hymount

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// legacyRulesFile is the module-relative name of the legacy line-oriented
// rule file (spec.md §6).
const legacyRulesFile = "mount_rules.txt"

// structuredRulesFile is the module-relative name of the structured
// JSON-with-comments rule file (spec.md §6).
const structuredRulesFile = "hybrid_rules.json"

// adminRulesDirDefault is the well-known admin override directory, keyed by
// module id as "<id>.json" (spec.md §6).
const adminRulesDirDefault = "/data/adb/meta-hybrid/rules"

// ModuleRules holds a module's default strategy plus per-path overrides.
//
// Lookup (GetMode) is: exact relative-path match wins; otherwise the longest
// path that is a component-wise prefix of the query wins; otherwise the
// default; a default of ModeAuto is further lowered to ModeOverlay. This
// mirrors the specificity rules in cmd/agent-sandbox/specificity.go
// (exact-beats-glob, longest-wins) adapted to path-prefix rather than
// path-vs-glob precedence.
type ModuleRules struct {
	DefaultMode MountMode
	Paths       map[string]MountMode
}

// structuredRulesDoc is the on-disk shape of hybrid_rules.json and of the
// admin override file (spec.md §6).
type structuredRulesDoc struct {
	DefaultMode string            `json:"default_mode"`
	Paths       map[string]string `json:"paths"`
}

// GetMode resolves the mount mode for a module-relative path.
func (r ModuleRules) GetMode(relPath string) MountMode {
	clean := strings.Trim(filepath.ToSlash(relPath), "/")

	if mode, ok := r.Paths[clean]; ok {
		return lowerAuto(mode)
	}

	queryParts := splitComponents(clean)

	bestDepth := -1
	bestMode := MountMode(-1)

	for p, mode := range r.Paths {
		parts := splitComponents(p)
		if !isPrefixComponents(parts, queryParts) {
			continue
		}

		if len(parts) > bestDepth {
			bestDepth = len(parts)
			bestMode = mode
		}
	}

	if bestDepth >= 0 {
		return lowerAuto(bestMode)
	}

	return lowerAuto(r.DefaultMode)
}

func lowerAuto(m MountMode) MountMode {
	if m == ModeAuto {
		return ModeOverlay
	}

	return m
}

// mergeRules merges src into dst following spec.md §3's precedence rule:
// "Later sources replace default_mode and extend the per-path map with
// replacement on collision." src is the higher-precedence source.
func mergeRules(dst ModuleRules, src ModuleRules, srcHasDefault bool) ModuleRules {
	out := ModuleRules{
		DefaultMode: dst.DefaultMode,
		Paths:       make(map[string]MountMode, len(dst.Paths)+len(src.Paths)),
	}

	for k, v := range dst.Paths {
		out.Paths[k] = v
	}

	if srcHasDefault {
		out.DefaultMode = src.DefaultMode
	}

	for k, v := range src.Paths {
		out.Paths[k] = v
	}

	return out
}

// LoadModuleRules merges the three rule sources for a module in increasing
// precedence: legacy mount_rules.txt, structured hybrid_rules.json, then the
// user-scoped admin override keyed by module id. Per spec.md §7, a failure
// reading/parsing any single source is logged and skipped — the module still
// loads with whatever sources succeeded (defaulting to ModeAuto/no overrides
// if all three are absent or broken).
func LoadModuleRules(moduleDir, moduleID, adminRulesDir string, debugf Debugf) ModuleRules {
	rules := ModuleRules{DefaultMode: ModeAuto, Paths: map[string]MountMode{}}

	if adminRulesDir == "" {
		adminRulesDir = adminRulesDirDefault
	}

	if legacy, hasDefault, err := parseLegacyRulesFile(filepath.Join(moduleDir, legacyRulesFile)); err != nil {
		debugf("rules(%s): legacy rules: %v", moduleID, err)
	} else if legacy != nil {
		rules = mergeRules(rules, *legacy, hasDefault)
	}

	if structured, hasDefault, err := parseStructuredRulesFile(filepath.Join(moduleDir, structuredRulesFile)); err != nil {
		debugf("rules(%s): structured rules: %v", moduleID, err)
	} else if structured != nil {
		rules = mergeRules(rules, *structured, hasDefault)
	}

	adminPath := filepath.Join(adminRulesDir, moduleID+".json")
	if admin, hasDefault, err := parseStructuredRulesFile(adminPath); err != nil {
		debugf("rules(%s): admin override: %v", moduleID, err)
	} else if admin != nil {
		rules = mergeRules(rules, *admin, hasDefault)
	}

	return rules
}

// parseLegacyRulesFile parses mount_rules.txt: one non-comment, non-empty
// line per rule, "<mode> <path>". Returns (nil, false, nil) when the file
// does not exist — that is not an error, just an absent source.
func parseLegacyRulesFile(path string) (*ModuleRules, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, newErr(KindParse, "parseLegacyRulesFile", path, err)
	}
	defer f.Close()

	rules := ModuleRules{DefaultMode: ModeAuto, Paths: map[string]MountMode{}}

	scanner := bufio.NewScanner(f)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, false, newErr(KindParse, "parseLegacyRulesFile", path,
				fmt.Errorf("line %d: expected '<mode> <path>', got %q", lineNo, line))
		}

		mode := ParseMountMode(fields[0])
		relPath := strings.Trim(fields[1], "/")
		rules.Paths[relPath] = mode
	}

	if err := scanner.Err(); err != nil {
		return nil, false, newErr(KindParse, "parseLegacyRulesFile", path, err)
	}

	// The legacy format has no way to express a default_mode; it only ever
	// contributes per-path overrides.
	return &rules, false, nil
}

// parseStructuredRulesFile parses a hybrid_rules.json-shaped document
// (structured module rules or the admin override, same shape) using hujson
// so operators may annotate the file with comments/trailing commas.
func parseStructuredRulesFile(path string) (*ModuleRules, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, newErr(KindParse, "parseStructuredRulesFile", path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return nil, false, newErr(KindParse, "parseStructuredRulesFile", path, err)
	}

	var doc structuredRulesDoc
	if err := json.Unmarshal(standard, &doc); err != nil {
		return nil, false, newErr(KindParse, "parseStructuredRulesFile", path, err)
	}

	rules := ModuleRules{DefaultMode: ParseMountMode(doc.DefaultMode), Paths: map[string]MountMode{}}
	for relPath, token := range doc.Paths {
		rules.Paths[strings.Trim(relPath, "/")] = ParseMountMode(token)
	}

	return &rules, doc.DefaultMode != "", nil
}
