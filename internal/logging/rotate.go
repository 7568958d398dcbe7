package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// rotateLogFile renames logPath aside as logPath.1, shifting any existing
// numbered backups up by one and pruning whatever would fall past
// maxBackups. Called by rotatingWriter once the active file crosses its
// size threshold.
func rotateLogFile(logPath string, maxBackups int) error {
	dir := filepath.Dir(logPath)
	base := filepath.Base(logPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	generations, err := backupGenerations(dir, stem, ext)
	if err != nil {
		return err
	}

	sort.Sort(sort.Reverse(sort.IntSlice(generations)))

	for _, gen := range generations {
		if gen >= maxBackups {
			os.Remove(filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, gen, ext)))
			continue
		}
		oldPath := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, gen, ext))
		newPath := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, gen+1, ext))
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("statesync: rotating %s to %s: %w", oldPath, newPath, err)
		}
	}

	if _, err := os.Stat(logPath); err == nil {
		firstBackup := filepath.Join(dir, fmt.Sprintf("%s.1%s", stem, ext))
		if err := os.Rename(logPath, firstBackup); err != nil {
			return fmt.Errorf("statesync: rotating active log: %w", err)
		}
	}

	return nil
}

// backupGenerations scans dir for files named "stem.<n>ext" and returns
// their generation numbers, unordered.
func backupGenerations(dir, stem, ext string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var gens []int
	prefix := stem + "."
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, ext) {
			continue
		}

		genStr := strings.TrimSuffix(strings.TrimPrefix(fname, prefix), ext)
		gen, err := strconv.Atoi(genStr)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}

	return gens, nil
}
