package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/tus-placer/backend/internal/models"
)

var (
	// ErrInvalidID is returned for identifiers that are not plain file names.
	ErrInvalidID = errors.New("invalid upload id")
	// ErrSidecarNotFound is returned when a blob has no sidecar.
	ErrSidecarNotFound = errors.New("sidecar not found")
)

// FS is the subset of a go-billy filesystem the placement core needs.
type FS interface {
	billy.Basic
	billy.TempFile
}

// OS returns the host filesystem. Paths are used as given.
func OS() FS {
	return osfs.Default
}

// Exists reports whether path is present on fsys.
func Exists(fsys billy.Basic, path string) (bool, error) {
	_, err := fsys.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
}

// Staging gives access to the blobs and sidecars written by the upload
// protocol layer. It never creates or removes directories.
type Staging struct {
	fs     FS
	dir    string
	suffix string
}

// NewStaging creates a Staging rooted at dir. suffix is appended to a blob
// id to name its sidecar.
func NewStaging(fsys FS, dir, suffix string) *Staging {
	if suffix == "" {
		suffix = ".json"
	}
	return &Staging{fs: fsys, dir: dir, suffix: suffix}
}

// FS returns the underlying filesystem.
func (s *Staging) FS() FS { return s.fs }

// BlobPath returns the path of blob id.
func (s *Staging) BlobPath(id string) string {
	return s.fs.Join(s.dir, id)
}

// SidecarPath returns the path of the sidecar belonging to blob id.
func (s *Staging) SidecarPath(id string) string {
	return s.BlobPath(id) + s.suffix
}

// ValidateID rejects ids that would escape the staging directory.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// BlobSize returns the byte size of blob id.
func (s *Staging) BlobSize(id string) (int64, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(s.BlobPath(id))
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", id, err)
	}
	return info.Size(), nil
}

// OpenBlob opens blob id for reading.
func (s *Staging) OpenBlob(id string) (billy.File, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.BlobPath(id))
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return f, nil
}

// OpenAppend opens an existing blob for appending.
func (s *Staging) OpenAppend(id string) (billy.File, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(s.BlobPath(id), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s for append: %w", id, err)
	}
	return f, nil
}

// ReadSidecar decodes the sidecar of blob id.
func (s *Staging) ReadSidecar(id string) (*models.Sidecar, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.SidecarPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSidecarNotFound, id)
		}
		return nil, fmt.Errorf("opening sidecar %s: %w", id, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar %s: %w", id, err)
	}

	var sc models.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decoding sidecar %s: %w", id, err)
	}
	if sc.ID == "" {
		sc.ID = id
	}
	return &sc, nil
}

// WriteSidecar replaces the sidecar of sc.ID. The record is written to a
// temporary file in the staging directory and renamed into place.
func (s *Staging) WriteSidecar(sc *models.Sidecar) error {
	if err := ValidateID(sc.ID); err != nil {
		return err
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding sidecar %s: %w", sc.ID, err)
	}

	tmp, err := s.fs.TempFile(s.dir, "."+sc.ID+".sidecar-")
	if err != nil {
		return fmt.Errorf("creating temp sidecar %s: %w", sc.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("writing sidecar %s: %w", sc.ID, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("closing sidecar %s: %w", sc.ID, err)
	}

	if err := s.fs.Rename(tmpName, s.SidecarPath(sc.ID)); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("replacing sidecar %s: %w", sc.ID, err)
	}
	return nil
}

// Remove deletes blob id and its sidecar. A missing sidecar is not an error.
func (s *Staging) Remove(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.fs.Remove(s.BlobPath(id)); err != nil {
		return fmt.Errorf("removing blob %s: %w", id, err)
	}
	if err := s.fs.Remove(s.SidecarPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing sidecar %s: %w", id, err)
	}
	return nil
}
