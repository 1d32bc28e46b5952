package model

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the fit as gzip-compressed JSON, replacing path atomically.
func Save(path string, f *Fit) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	zw := gzip.NewWriter(tmp)
	zw.Name = filepath.Base(path)
	if err := json.NewEncoder(zw).Encode(f); err != nil {
		return fail(fmt.Errorf("encode %s: %w", filepath.Base(path), err))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("compress %s: %w", filepath.Base(path), err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads a fit written by Save.
func Load(path string) (*Fit, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	zr, err := gzip.NewReader(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()
	var f Fit
	if err := json.NewDecoder(zr).Decode(&f); err != nil {
		return nil, fmt.Errorf("%s decode: %w", path, err)
	}
	return &f, nil
}
