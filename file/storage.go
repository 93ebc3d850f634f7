package file

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// Sink is a destination file open for random-access writing.
type Sink interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Source is a file open for reading at arbitrary offsets.
type Source interface {
	io.ReaderAt
	io.Closer
}

// Storage is the local file store a transfer reads from or writes to.
type Storage interface {
	// Create opens name for writing at offset 0, truncating any previous content.
	Create(name string) (Sink, error)
	// Open opens name for reading and returns its size.
	Open(name string) (Source, int64, error)
	// Digest returns the MD5 of the whole file.
	Digest(name string) ([md5.Size]byte, error)
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// DirStorage stores files on the local filesystem. Names are resolved below
// Root; an empty Root uses names as given.
type DirStorage struct {
	Root string
}

// NewDirStorage returns a storage rooted at root.
func NewDirStorage(root string) *DirStorage {
	return &DirStorage{Root: root}
}

func (d *DirStorage) resolve(name string) (string, error) {
	safePath, err := ValidatePath(name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "DirStorage.resolve",
			"file_name": name,
			"error":     err.Error(),
		}).Error("File path validation failed")
		return "", err
	}
	if d.Root == "" {
		return safePath, nil
	}
	return filepath.Join(d.Root, safePath), nil
}

// Create implements Storage.
func (d *DirStorage) Create(name string) (Sink, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DirStorage.Create",
		"file_name": name,
		"path":      path,
		"operation": "creating file for writing",
	}).Debug("Creating file for incoming transfer")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}

// Open implements Storage.
func (d *DirStorage) Open(name string) (Source, int64, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DirStorage.Open",
		"file_name": name,
		"path":      path,
		"operation": "opening file for reading",
	}).Debug("Opening file for outgoing transfer")

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", name, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("open %s: is a directory", name)
	}
	return f, st.Size(), nil
}

// Digest implements Storage.
func (d *DirStorage) Digest(name string) ([md5.Size]byte, error) {
	var sum [md5.Size]byte

	path, err := d.resolve(name)
	if err != nil {
		return sum, err
	}
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("digest %s: %w", name, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("digest %s: %w", name, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
