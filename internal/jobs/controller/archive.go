package controller

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// writeArchive zips files (stored under their base name) and every regular file of
// extraDir (stored under downloads/) into path. Returns the number of entries written.
func writeArchive(path string, files []string, extraDir string) (int, error) {
	entries := make(map[string]string, len(files))
	for _, f := range files {
		entries[filepath.Base(f)] = f
	}
	if extraDir != "" {
		dirEntries, err := os.ReadDir(extraDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("failed to list downloads: %w", err)
		}
		for _, e := range dirEntries {
			if e.Type().IsRegular() {
				entries["downloads/"+e.Name()] = filepath.Join(extraDir, e.Name())
			}
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(out)

	for _, name := range names {
		if err := addFile(zw, name, entries[name]); err != nil {
			zw.Close()
			out.Close()
			os.Remove(path)
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	return len(names), out.Close()
}

func addFile(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
