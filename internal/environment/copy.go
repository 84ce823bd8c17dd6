package environment

import (
	"io"
	"os"
	"path/filepath"
)

// treeEntry is one directory visited during a tree walk, with the regular
// files it directly contains.
type treeEntry struct {
	dir   string
	files []string
}

// listTree walks root with an explicit stack and returns one entry per
// directory. The walk is finite and restartable; symlinked directories are
// not followed.
func listTree(root string) ([]treeEntry, error) {
	stack := []string{root}
	var out []treeEntry
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		item := treeEntry{dir: dir}
		for _, e := range entries {
			if e.IsDir() {
				stack = append(stack, filepath.Join(dir, e.Name()))
			} else {
				item.files = append(item.files, e.Name())
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// copyPath copies a file or directory tree from src to dst, creating parent
// directories as needed and preserving file modes.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyTree(src, dst string) error {
	entries, err := listTree(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rel, err := filepath.Rel(src, entry.dir)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		for _, name := range entry.files {
			from := filepath.Join(entry.dir, name)
			info, err := os.Lstat(from)
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSymlink != 0 {
				link, err := os.Readlink(from)
				if err != nil {
					return err
				}
				to := filepath.Join(target, name)
				os.Remove(to)
				if err := os.Symlink(link, to); err != nil {
					return err
				}
				continue
			}
			if err := copyFile(from, filepath.Join(target, name), info.Mode()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
