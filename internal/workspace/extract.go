package workspace

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarGz unpacks a gzipped tarball into dest. Entries that would
// escape dest are rejected outright.
func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip header: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			// Allow only links that stay inside the workspace.
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("absolute symlink %s in archive", hdr.Name)
			}
			if _, err := securePath(filepath.Dir(target), hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %s: %w", hdr.Name, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
		default:
			// Block devices, fifos and friends have no business in an
			// exercise archive.
			continue
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// securePath joins name onto dest and verifies the result stays under dest.
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	cleanDest := filepath.Clean(dest)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}
	return target, nil
}

// hoistSingleDir flattens the common release-archive layout where everything
// lives under one wrapper directory (owner-repo-sha/). If dir contains
// exactly one entry and it is a directory, that directory's contents
// (hidden files included) are moved up one level and the wrapper removed,
// so the workspace root is the exercise content itself.
func hoistSingleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read extracted tree: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Move the wrapper aside first: a child may carry the wrapper's own
	// name, and renaming it onto the still-occupied wrapper path fails.
	wrapper := filepath.Join(dir, ".hoist-"+entries[0].Name())
	if err := os.Rename(filepath.Join(dir, entries[0].Name()), wrapper); err != nil {
		return fmt.Errorf("stage wrapper directory: %w", err)
	}

	children, err := os.ReadDir(wrapper)
	if err != nil {
		return fmt.Errorf("read wrapper directory: %w", err)
	}

	for _, child := range children {
		from := filepath.Join(wrapper, child.Name())
		to := filepath.Join(dir, child.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("hoist %s: %w", child.Name(), err)
		}
	}

	return os.Remove(wrapper)
}
