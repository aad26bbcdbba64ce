package corpus

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var supportedExt = map[string]struct{}{
	".csv": {}, ".tsv": {}, ".db": {}, ".sqlite": {}, ".sqlite3": {},
}

// Discover lists the supported data files directly inside dir, sorted.
// A missing directory yields no files.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := supportedExt[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Resolve expands glob patterns and directories into data file paths.
// Plain paths are kept even when they do not exist so Load reports them.
func Resolve(inputs []string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		if info, err := os.Stat(in); err == nil && info.IsDir() {
			found, err := Discover(in)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
			continue
		}
		matches, err := filepath.Glob(in)
		if err != nil {
			return nil, err
		}
		if matches == nil {
			out = append(out, in)
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				continue
			}
			out = append(out, m)
		}
	}
	return uniqueSorted(out), nil
}
