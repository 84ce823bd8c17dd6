package environment

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tarPath archives a host file or directory tree under arcname, the name it
// should carry inside the destination.
func tarPath(w io.Writer, hostPath, arcname string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return tarFile(tw, hostPath, arcname, info)
	}

	entries, err := listTree(hostPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rel, err := filepath.Rel(hostPath, entry.dir)
		if err != nil {
			return err
		}
		dirInfo, err := os.Stat(entry.dir)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(dirInfo, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(arcname, rel)) + "/"
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		for _, name := range entry.files {
			path := filepath.Join(entry.dir, name)
			fileInfo, err := os.Lstat(path)
			if err != nil {
				return err
			}
			if !fileInfo.Mode().IsRegular() {
				continue
			}
			if err := tarFile(tw, path, filepath.Join(arcname, rel, name), fileInfo); err != nil {
				return err
			}
		}
	}
	return nil
}

func tarFile(tw *tar.Writer, path, arcname string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(arcname)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// tarDirContents streams the contents of dir (not the directory itself) as
// a tar archive, the layout a container image import expects.
func tarDirContents(dir string) (io.ReadCloser, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := tarTreeInto(tw, dir, "")
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func tarTreeInto(tw *tar.Writer, root, prefix string) error {
	entries, err := listTree(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rel, err := filepath.Rel(root, entry.dir)
		if err != nil {
			return err
		}
		if rel != "." {
			info, err := os.Stat(entry.dir)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(filepath.Join(prefix, rel)) + "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		}
		for _, name := range entry.files {
			path := filepath.Join(entry.dir, name)
			info, err := os.Lstat(path)
			if err != nil {
				return err
			}
			arcname := filepath.Join(prefix, rel, name)
			if info.Mode()&os.ModeSymlink != 0 {
				link, err := os.Readlink(path)
				if err != nil {
					return err
				}
				hdr, err := tar.FileInfoHeader(info, link)
				if err != nil {
					return err
				}
				hdr.Name = filepath.ToSlash(arcname)
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			if err := tarFile(tw, path, arcname, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// untarTo extracts an archive into dir, rejecting entries that would escape
// it.
func untarTo(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
