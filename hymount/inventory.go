package hymount

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Scan enumerates immediate subdirectories of cfg.SourceDir, skips reserved
// or disabled ones, and loads merged rules for the rest (spec.md §4.3).
//
// Subdirectory inspection (marker-file checks, rule loading) happens
// concurrently across a small worker pool since each module's I/O is
// independent; the returned slice is always sorted by id, so the rest of the
// pipeline sees a deterministic order regardless of scheduling (spec.md §5).
func Scan(cfg Config) ([]Module, error) {
	entries, err := os.ReadDir(cfg.SourceDir)
	if err != nil {
		return nil, newErr(KindIO, "Scan", cfg.SourceDir, err)
	}

	deny := make(map[string]bool, len(DefaultDenyListModuleNames)+len(cfg.DenyListModuleNames))
	for _, n := range DefaultDenyListModuleNames {
		deny[n] = true
	}

	for _, n := range cfg.DenyListModuleNames {
		deny[n] = true
	}

	type candidate struct {
		idx int
		dir string
	}

	var candidates []candidate

	for i, e := range entries {
		if !e.IsDir() || deny[e.Name()] {
			continue
		}

		candidates = append(candidates, candidate{idx: i, dir: e.Name()})
	}

	results := make([]*Module, len(candidates))

	const maxWorkers = 8

	sem := make(chan struct{}, maxWorkers)

	var wg sync.WaitGroup

	for i, c := range candidates {
		wg.Add(1)

		sem <- struct{}{}

		go func(i int, c candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			moduleDir := filepath.Join(cfg.SourceDir, c.dir)
			if isDisabledModule(moduleDir) {
				cfg.debugf("scan: %s is disabled, skipping", c.dir)

				return
			}

			results[i] = &Module{
				ID:     c.dir,
				Source: moduleDir,
				Rules:  LoadModuleRules(moduleDir, c.dir, cfg.AdminRulesDir, cfg.debugf),
			}
		}(i, c)
	}

	wg.Wait()

	modules := make([]Module, 0, len(results))

	for _, m := range results {
		if m != nil {
			modules = append(modules, *m)
		}
	}

	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })

	return modules, nil
}

// isDisabledModule reports whether moduleDir contains any marker file meaning
// "disabled", "pending removal", or "skip-mount" (spec.md §6).
func isDisabledModule(moduleDir string) bool {
	for _, marker := range []string{markerDisable, markerRemove, markerSkipMount} {
		if _, err := os.Stat(filepath.Join(moduleDir, marker)); err == nil {
			return true
		}
	}

	return false
}
