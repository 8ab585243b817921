// Package hierarchy discovers the levels under a root directory and runs operations
// across them: start-up checks, bottom-up aggregation, and level creation.
package hierarchy

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/kasane/internal/level"
)

// RootPath is the LevelPath of the root directory.
const RootPath = "."

// Node is one level in the tree.
type Node struct {
	// Path is the slash-separated directory relative to the root, "." for the root.
	Path string
	// Dir is the session directory on disk.
	Dir      string
	Parent   *Node
	Children []*Node
}

// Depth returns the number of path elements, 0 for the root.
func (n *Node) Depth() int {
	if n.Path == RootPath {
		return 0
	}
	return strings.Count(n.Path, "/") + 1
}

// Tree is the set of levels found under a root.
type Tree struct {
	Root     string
	LevelDir string
	// Tops are levels without a parent level, sorted by path.
	Tops  []*Node
	nodes map[string]*Node
}

// Node returns the node at path.
func (t *Tree) Node(p string) (*Node, bool) {
	n, ok := t.nodes[p]
	return n, ok
}

// Nodes returns all nodes sorted by path.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of levels.
func (t *Tree) Len() int { return len(t.nodes) }

// LevelPath converts dir to a LevelPath relative to root.
func LevelPath(root, dir string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside root %s", dir, root)
	}
	return rel, nil
}

// CleanPath normalises a user-supplied LevelPath.
func CleanPath(p string) (string, error) {
	if p == "" {
		return RootPath, nil
	}
	c := path.Clean(filepath.ToSlash(p))
	if path.IsAbs(c) || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("invalid level path %q", p)
	}
	return c, nil
}

// Ancestors returns the LevelPaths above p, nearest first, ending with ".".
func Ancestors(p string) []string {
	var out []string
	for p != RootPath {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}

// hasLevel reports whether the session directory dir holds a level.
func hasLevel(dir, levelDir string) bool {
	info, err := os.Stat(filepath.Join(dir, levelDir, level.StoreFile))
	return err == nil && !info.IsDir()
}

// Discover walks root and builds the tree of levels. A level's parent is its
// nearest ancestor directory holding a level. Hidden directories are skipped.
func Discover(root, levelDir string) (*Tree, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("hierarchy root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hierarchy root %s is not a directory", absRoot)
	}

	t := &Tree{Root: absRoot, LevelDir: levelDir, nodes: make(map[string]*Node)}
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != absRoot && (d.Name() == levelDir || strings.HasPrefix(d.Name(), ".")) {
			return fs.SkipDir
		}
		if !hasLevel(p, levelDir) {
			return nil
		}
		lp, err := LevelPath(absRoot, p)
		if err != nil {
			return err
		}
		t.nodes[lp] = &Node{Path: lp, Dir: p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.link()
	return t, nil
}

func (t *Tree) link() {
	for _, n := range t.Nodes() {
		for _, a := range Ancestors(n.Path) {
			if parent, ok := t.nodes[a]; ok {
				n.Parent = parent
				parent.Children = append(parent.Children, n)
				break
			}
		}
		if n.Parent == nil {
			t.Tops = append(t.Tops, n)
		}
	}
}
