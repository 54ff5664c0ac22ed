package export

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Unzip extracts archive into dir, creating dir if needed. Entries whose
// names would land outside dir are rejected.
func Unzip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return &LocalIOError{Op: "open archive", Path: archive, Err: err}
	}
	defer func() { _ = zr.Close() }()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &LocalIOError{Op: "mkdir", Path: dir, Err: err}
	}

	for _, f := range zr.File {
		if !filepath.IsLocal(f.Name) {
			return &LocalIOError{Op: "unzip", Path: archive, Err: fmt.Errorf("entry %q escapes the target directory", f.Name)}
		}
		target := filepath.Join(dir, f.Name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &LocalIOError{Op: "mkdir", Path: target, Err: err}
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return &LocalIOError{Op: "unzip", Path: target, Err: err}
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
