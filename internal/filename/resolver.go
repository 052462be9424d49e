package filename

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-git/go-billy/v5"

	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/storage"
)

// ErrProbeLimit is returned when the numbering policy exhausts its probes.
var ErrProbeLimit = errors.New("numbering probe limit reached")

// ConflictError reports a name that already exists under the prevent policy.
type ConflictError struct {
	Filename string
	Path     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("File %q already exists and duplicates are not allowed", e.Filename)
}

// IsConflict reports whether err carries a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// Resolver applies duplicate policies against a destination directory.
type Resolver struct {
	fs billy.Basic
	// MaxProbes caps numbered candidates; zero means unlimited.
	MaxProbes int
}

// NewResolver creates a Resolver that checks existence on fsys.
func NewResolver(fsys billy.Basic, maxProbes int) *Resolver {
	return &Resolver{fs: fsys, MaxProbes: maxProbes}
}

// Resolve returns the final name for candidate inside dir.
//
// Under PolicyKeepMachineName the machine id is returned untouched and the
// directory is not consulted; the protocol already guarantees uniqueness.
func (r *Resolver) Resolve(candidate, machineID, dir string, policy models.DuplicatePolicy) (string, error) {
	switch policy {
	case models.PolicyPrevent:
		path := r.fs.Join(dir, candidate)
		exists, err := storage.Exists(r.fs, path)
		if err != nil {
			return "", err
		}
		if exists {
			return "", &ConflictError{Filename: candidate, Path: path}
		}
		return candidate, nil

	case models.PolicyNumber:
		return r.number(candidate, dir)

	default:
		return machineID, nil
	}
}

func (r *Resolver) number(candidate, dir string) (string, error) {
	exists, err := storage.Exists(r.fs, r.fs.Join(dir, candidate))
	if err != nil {
		return "", err
	}
	if !exists {
		return candidate, nil
	}

	base, ext := SplitExt(candidate)
	for i := 1; r.MaxProbes == 0 || i <= r.MaxProbes; i++ {
		name := base + "(" + strconv.Itoa(i) + ")" + ext
		exists, err := storage.Exists(r.fs, r.fs.Join(dir, name))
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrProbeLimit, candidate, r.MaxProbes)
}

// Precheck runs the upload-creation check: it returns a *ConflictError when
// the client asked for its original name under the prevent policy and that
// name is already taken in dir. The name can still be taken between this
// check and final placement; Resolve checks again then.
func (r *Resolver) Precheck(meta models.PartMetadata, dir string) error {
	if !meta.WantsOriginalName() || meta.DuplicatePolicy != models.PolicyPrevent {
		return nil
	}

	name := Sanitize(meta.OriginalFilename)
	if !Usable(name) {
		return nil
	}

	path := r.fs.Join(dir, name)
	exists, err := storage.Exists(r.fs, path)
	if err != nil {
		return err
	}
	if exists {
		return &ConflictError{Filename: meta.OriginalFilename, Path: path}
	}
	return nil
}
