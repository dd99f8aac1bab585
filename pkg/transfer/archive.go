package transfer

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// excluded reports whether relPath matches any pattern. Patterns match in
// path.Match style against the whole slash-separated relative path or any
// single path element, mirroring how exclusion rules are usually written
// ("*.tmp", "__pycache__", ".git").
func excluded(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}

	rel := filepath.ToSlash(relPath)
	parts := strings.Split(rel, "/")

	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}

		for _, part := range parts {
			if ok, _ := path.Match(pattern, part); ok {
				return true
			}
		}
	}

	return false
}

// createArchive packs src (a file or directory) into a gzipped tarball at
// dest. Directory entries are stored under the directory's base name, the
// way `tar -C parent target` lays them out. Returns the number of regular
// files written and their total size.
func createArchive(src, dest string, exclude []string) (int, int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat %s: %w", src, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create archive %s: %w", dest, err)
	}

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	var (
		files int
		total int64
	)

	base := filepath.Dir(filepath.Clean(src))

	addFile := func(p string, fi os.FileInfo) error {
		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return relErr
		}

		hdr, hdrErr := tar.FileInfoHeader(fi, "")
		if hdrErr != nil {
			return hdrErr
		}

		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}

		if writeErr := tw.WriteHeader(hdr); writeErr != nil {
			return writeErr
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		f, openErr := os.Open(p)
		if openErr != nil {
			return openErr
		}

		n, copyErr := io.Copy(tw, f)
		_ = f.Close()

		if copyErr != nil {
			return copyErr
		}

		files++
		total += n

		return nil
	}

	if info.IsDir() {
		err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}

			rel, relErr := filepath.Rel(src, p)
			if relErr != nil {
				return relErr
			}

			if rel != "." && excluded(rel, exclude) {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			fi, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}

			return addFile(p, fi)
		})
	} else {
		err = addFile(src, info)
	}

	if err == nil {
		err = tw.Close()
	} else {
		_ = tw.Close()
	}

	if gzErr := gw.Close(); err == nil {
		err = gzErr
	}

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(dest)
		return 0, 0, fmt.Errorf("failed to write archive %s: %w", dest, err)
	}

	return files, total, nil
}

// extractArchive unpacks the gzipped tarball at archive into dest, creating
// dest if needed. Entries that would escape dest are rejected. Symlinks and
// special files are skipped. Returns regular files written and total size.
func extractArchive(archive, dest string) (int, int64, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read archive %s: %w", archive, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return 0, 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	tr := tar.NewReader(gz)

	var (
		files int
		total int64
	)

	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if nextErr != nil {
			return files, total, fmt.Errorf("failed to read archive %s: %w", archive, nextErr)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return files, total, fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return files, total, fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return files, total, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}

			out, openErr := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if openErr != nil {
				return files, total, fmt.Errorf("failed to create %s: %w", target, openErr)
			}

			n, copyErr := io.Copy(out, tr) //nolint:gosec // archives are staged by this engine, not untrusted input
			closeErr := out.Close()

			if copyErr != nil {
				return files, total, fmt.Errorf("failed to extract %s: %w", hdr.Name, copyErr)
			}

			if closeErr != nil {
				return files, total, fmt.Errorf("failed to write %s: %w", target, closeErr)
			}

			if !hdr.ModTime.IsZero() {
				_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
			}

			files++
			total += n
		default:
			// Symlinks and device nodes are not transferred.
		}
	}

	return files, total, nil
}
