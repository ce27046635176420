package ports

import (
	"io"
	"io/fs"
)

// FileSystem abstracts the host file operations used for config loading
// and upload sources.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// Open opens the named file for streaming reads.
	Open(name string) (io.ReadCloser, error)

	// Create opens a new file for writing. It fails if name exists.
	Create(name string, perm fs.FileMode) (io.WriteCloser, error)

	// Stat returns file info for the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// UserHomeDir returns the current user's home directory.
	UserHomeDir() (string, error)

	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}
