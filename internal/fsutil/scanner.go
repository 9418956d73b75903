package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var fileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.ya?ml$`)

// PlanPath is a plan file named <version>_<name>.yaml.
type PlanPath struct {
	Version string
	Name    string
	Path    string // path in fs
}

func (p PlanPath) Key() string { return p.Version + ":" + p.Name }

// ScanDir scans a local directory on disk.
func ScanDir(dir string) ([]PlanPath, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return filepath.Join(dir, name) })
}

// ScanEmbedded scans an embedded fs under a root dir path (logical path).
func ScanEmbedded(fsys fs.FS, root string) ([]PlanPath, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return path.Join(root, name) })
}

// scan returns matching plan files ordered by version, then name. Two files
// may not share a version and name.
func scan(entries []fs.DirEntry, full func(name string) string) ([]PlanPath, error) {
	seen := map[string]bool{}
	var out []PlanPath
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		p := PlanPath{Version: m[1], Name: m[2], Path: full(e.Name())}
		if seen[p.Key()] {
			return nil, errors.New("duplicate plan file for " + p.Key())
		}
		seen[p.Key()] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := compareVersion(out[i].Version, out[j].Version); c != 0 {
			return c < 0
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// compareVersion compares numeric versions so that 2_x sorts before 10_x.
// Leading zeros are ignored.
func compareVersion(a, b string) int {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
