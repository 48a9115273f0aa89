package testing

import (
	"bytes"
	"fmt"
	"os"
)

// FileChecker chains checks on a file produced by a download or a recorder.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker ...
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs every check and returns all failures as a MultiError.
func (fc *FileChecker) Check() error {
	errs := MultiError{}
	for _, check := range fc.Checks {
		AppendErr(&errs, check(fc.Path))
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsFile checks that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// ModeEquals checks the permission bits.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Size checks the file length.
func (fc *FileChecker) Size(n int64) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if info.Size() != n {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, n, info.Size())
		}
		return nil
	})
	return fc
}

// Content checks the file bytes. Large contents are reported by the first differing offset.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Equal(got, want) {
			return nil
		}
		i := 0
		for i < len(got) && i < len(want) && got[i] == want[i] {
			i++
		}
		return fmt.Errorf("content mismatch for %s at offset %d (want %d bytes, got %d)", path, i, len(want), len(got))
	})
	return fc
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("path does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
