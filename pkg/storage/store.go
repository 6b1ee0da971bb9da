// Package storage persists asset content as files in the storage directory.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kennygrant/sanitize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	storageBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asset_storage_bytes_written_total",
		Help: "Total asset content bytes persisted",
	})

	storageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asset_storage_errors_total",
		Help: "Total failed storage operations by operation",
	}, []string{"operation"})
)

const (
	// FallbackName replaces asset names that sanitize to nothing usable.
	FallbackName = "asset"

	// maxNameBytes keeps "<name>-<id>" under the common 255 byte limit.
	maxNameBytes = 200

	filePerm = 0o644
	dirPerm  = 0o755
)

// ErrAssetPersistFailed matches every error returned by Persist.
var ErrAssetPersistFailed = errors.New("asset persist failed")

// PersistError describes a failed asset write.
type PersistError struct {
	AssetID int64
	Path    string
	Err     error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	return fmt.Sprintf("persist asset %d to %s: %v", e.AssetID, e.Path, e.Err)
}

// Is makes errors.Is(err, ErrAssetPersistFailed) hold.
func (e *PersistError) Is(target error) bool {
	return target == ErrAssetPersistFailed
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PersistError) Unwrap() error {
	return e.Err
}

// Store writes asset files into one directory of an afero filesystem.
type Store struct {
	fs     afero.Fs
	dir    string
	logger zerolog.Logger
}

// NewStore creates dir on fs if needed.
func NewStore(fs afero.Fs, dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	dir = filepath.Clean(dir)

	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		storageErrorsTotal.WithLabelValues("mkdir").Inc()
		return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
	}

	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logger.With().Str("component", "storage").Logger(),
	}, nil
}

// NewOSStore creates a Store on the real filesystem.
func NewOSStore(dir string, logger zerolog.Logger) (*Store, error) {
	return NewStore(afero.NewOsFs(), dir, logger)
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the asset with the given name and id is stored.
func (s *Store) Path(id int64, name string) string {
	return filepath.Join(s.dir, FileName(name, id))
}

// Persist writes content to <dir>/<name>-<id>, replacing any existing file.
// The content is written to a temporary file first and renamed into place,
// so a failed write never leaves a truncated asset behind.
func (s *Store) Persist(id int64, name, content string) (string, error) {
	path := s.Path(id, name)

	if err := s.writeAtomic(path, content); err != nil {
		return "", &PersistError{AssetID: id, Path: path, Err: err}
	}

	storageBytesWritten.Add(float64(len(content)))
	s.logger.Debug().
		Int64("asset_id", id).
		Str("path", path).
		Int("bytes", len(content)).
		Msg("Asset file written")

	return path, nil
}

func (s *Store) writeAtomic(path, content string) (err error) {
	tmp, err := afero.TempFile(s.fs, s.dir, ".asset-*.tmp")
	if err != nil {
		storageErrorsTotal.WithLabelValues("create").Inc()
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.WriteString(content); err != nil {
		tmp.Close()
		storageErrorsTotal.WithLabelValues("write").Inc()
		return fmt.Errorf("write: %w", err)
	}
	if err = tmp.Close(); err != nil {
		storageErrorsTotal.WithLabelValues("close").Inc()
		return fmt.Errorf("close: %w", err)
	}
	if err = s.fs.Chmod(tmpName, filePerm); err != nil {
		storageErrorsTotal.WithLabelValues("chmod").Inc()
		return fmt.Errorf("chmod: %w", err)
	}
	if err = s.fs.Rename(tmpName, path); err != nil {
		storageErrorsTotal.WithLabelValues("rename").Inc()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// FileName returns "<name>-<id>" with name made safe as a single path segment.
func FileName(name string, id int64) string {
	return SafeName(name) + "-" + strconv.FormatInt(id, 10)
}

// SafeName returns name unchanged when it is already a safe path segment.
// Otherwise it is reduced with sanitize.BaseName, and FallbackName is used
// when nothing but separators and dots remains.
func SafeName(name string) string {
	if !isSafeSegment(name) {
		name = sanitize.BaseName(strings.ToValidUTF8(name, ""))
		if !isSafeSegment(name) || strings.Trim(name, "-._") == "" {
			return FallbackName
		}
	}
	return truncate(name, maxNameBytes)
}

func isSafeSegment(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if !utf8.ValidString(name) {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00") && !strings.ContainsRune(name, os.PathSeparator)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
