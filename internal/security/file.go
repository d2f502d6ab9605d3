package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// PermSecretFile is the mode for files holding key material.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the mode for directories holding key material.
	PermSecretDir os.FileMode = 0700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// WriteSecretFile writes data to path atomically with 0600 permissions.
// The data lands in a temp file in the same directory first and is
// renamed into place, so readers never observe a partial write.
func WriteSecretFile(path string, data []byte) error {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, PermSecretFile)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, cleanPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// ReadSecretFile reads a file after verifying it is not group or world
// accessible. maxSize of 0 disables the size check.
func ReadSecretFile(path string, maxSize int64) ([]byte, error) {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, cleanPath, mode)
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes over limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	return os.ReadFile(cleanPath)
}

// EnsureSecretDir creates path with 0700 if missing and tightens the
// permissions of an existing directory that is too open.
func EnsureSecretDir(path string) error {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cleanPath, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, cleanPath)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(cleanPath, PermSecretDir); err != nil {
			return fmt.Errorf("tighten directory permissions: %w", err)
		}
	}

	return nil
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
