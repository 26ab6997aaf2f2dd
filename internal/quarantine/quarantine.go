// Package quarantine relocates dump files out of the watch directory:
// rejected files with a reason file, committed files into a done directory.
package quarantine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// ReasonSuffix is appended to the moved file's name to form the reason file.
const ReasonSuffix = ".reason.txt"

// Dir moves files into one destination directory.
type Dir struct {
	Path string
}

// Result reports where a quarantined file and its reason ended up.
type Result struct {
	File   string
	Reason string
}

// renameFn is swapped in tests to force the cross-device fallback.
var renameFn = os.Rename

// Move relocates src into the quarantine directory and writes reason to a
// sibling file. An existing file of the same name is never overwritten; a
// numeric suffix is added instead.
//
// The reason file is written first so a moved dump is never left without
// one.
func (d Dir) Move(src, reason string) (Result, error) {
	if d.Path == "" {
		return Result{}, errors.New("quarantine: directory not configured")
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return Result{}, fmt.Errorf("quarantine: create %s: %w", d.Path, err)
	}

	dst, err := freeName(d.Path, filepath.Base(src))
	if err != nil {
		return Result{}, err
	}
	res := Result{File: dst, Reason: dst + ReasonSuffix}

	if err := os.WriteFile(res.Reason, []byte(reason), 0o644); err != nil {
		return Result{}, fmt.Errorf("quarantine: write reason %s: %w", res.Reason, err)
	}
	if err := move(src, dst); err != nil {
		_ = os.Remove(res.Reason)
		return Result{}, err
	}
	log.Printf("quarantine: moved file=%s to=%s", src, dst)
	return res, nil
}

// Archive relocates src into the directory without a reason file and
// returns the new path. Name clashes get a numeric suffix as in Move.
func (d Dir) Archive(src string) (string, error) {
	if d.Path == "" {
		return "", errors.New("quarantine: directory not configured")
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("quarantine: create %s: %w", d.Path, err)
	}
	dst, err := freeName(d.Path, filepath.Base(src))
	if err != nil {
		return "", err
	}
	if err := move(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func freeName(dir, base string) (string, error) {
	candidate := filepath.Join(dir, base)
	for i := 1; i < 10000; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("quarantine: stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, base+"."+strconv.Itoa(i))
	}
	return "", fmt.Errorf("quarantine: no free name for %s in %s", base, dir)
}

// move renames src to dst. Only a cross-device rename falls back to
// copy-then-remove.
func move(src, dst string) error {
	err := renameFn(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("quarantine: rename %s: %w", src, err)
	}
	if cerr := copyFile(src, dst); cerr != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("quarantine: rename %s: %v; copy: %w", src, err, cerr)
	}
	if rerr := os.Remove(src); rerr != nil {
		return fmt.Errorf("quarantine: remove %s after copy: %w", src, rerr)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
