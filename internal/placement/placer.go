// Package placement moves a finished upload and its sidecar from the staging
// directory to the destination directory.
//
// A same-device move is a single rename. Across devices the bytes are copied
// to a hidden temporary file next to the destination, synced, renamed onto
// the destination and only then removed from staging. The destination path
// never holds a partial file, but a crash after the copy and before the
// source removal leaves the staging copy behind; a rename-only primitive
// cannot make a cross-device move atomic.
package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/storage"
)

// Stage names the step a placement failed in.
type Stage string

const (
	StagePrimary Stage = "primary"
	StageSidecar Stage = "sidecar"
)

// ErrDestinationMissing is returned when the destination directory does not exist.
var ErrDestinationMissing = errors.New("destination directory does not exist")

// PlacementError wraps a failure with the stage it happened in.
type PlacementError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement %s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// Request describes one placement.
type Request struct {
	StagingPath     string
	DestinationPath string
	// SidecarPath is optional; an empty or missing sidecar is skipped.
	SidecarPath string
	KeepSidecar bool
}

// Result reports what a placement did.
type Result struct {
	DestinationPath string
	SidecarPath     string // set when the sidecar was kept
	Bytes           int64
	CrossDevice     bool
	// SidecarErr is set when the primary file was placed but the sidecar step
	// failed. The primary move is not rolled back.
	SidecarErr error
}

// Placer performs placements on one filesystem namespace.
type Placer struct {
	fs            storage.FS
	sidecarSuffix string
}

// NewPlacer creates a Placer. sidecarSuffix is appended to the destination
// path to name a kept sidecar.
func NewPlacer(fsys storage.FS, sidecarSuffix string) *Placer {
	if sidecarSuffix == "" {
		sidecarSuffix = ".json"
	}
	return &Placer{fs: fsys, sidecarSuffix: sidecarSuffix}
}

// Place moves req.StagingPath to req.DestinationPath and then keeps or
// deletes the sidecar. Only a primary failure is returned as an error.
func (p *Placer) Place(ctx context.Context, req Request) (*Result, error) {
	log := logger.Ctx(ctx)

	destDir := filepath.Dir(req.DestinationPath)
	exists, err := storage.Exists(p.fs, destDir)
	if err != nil {
		return nil, &PlacementError{Stage: StagePrimary, Path: destDir, Err: err}
	}
	if !exists {
		return nil, &PlacementError{Stage: StagePrimary, Path: destDir, Err: ErrDestinationMissing}
	}

	size := int64(-1)
	if info, err := p.fs.Stat(req.StagingPath); err == nil {
		size = info.Size()
	}

	crossDevice, err := p.move(req.StagingPath, req.DestinationPath)
	if err != nil {
		return nil, &PlacementError{Stage: StagePrimary, Path: req.DestinationPath, Err: err}
	}

	res := &Result{
		DestinationPath: req.DestinationPath,
		Bytes:           size,
		CrossDevice:     crossDevice,
	}
	log.Info().
		Str("from", req.StagingPath).
		Str("to", req.DestinationPath).
		Str("size", humanize.IBytes(uint64(max(size, 0)))).
		Bool("cross_device", crossDevice).
		Msg("placed upload")

	if req.SidecarPath == "" {
		return res, nil
	}

	if req.KeepSidecar {
		target := req.DestinationPath + p.sidecarSuffix
		if _, err := p.move(req.SidecarPath, target); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				res.SidecarErr = &PlacementError{Stage: StageSidecar, Path: target, Err: err}
			}
		} else {
			res.SidecarPath = target
		}
	} else if err := p.fs.Remove(req.SidecarPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		res.SidecarErr = &PlacementError{Stage: StageSidecar, Path: req.SidecarPath, Err: err}
	}

	if res.SidecarErr != nil {
		log.Warn().Err(res.SidecarErr).Str("destination", req.DestinationPath).
			Msg("upload placed but sidecar step failed")
	}
	return res, nil
}

// move renames from to to, falling back to copy-then-delete across devices.
func (p *Placer) move(from, to string) (crossDevice bool, err error) {
	err = p.fs.Rename(from, to)
	if err == nil {
		return false, nil
	}
	if !isCrossDevice(err) {
		return false, err
	}

	if err := p.copyInto(from, to); err != nil {
		return true, err
	}
	if err := p.fs.Remove(from); err != nil {
		// The destination is complete; only the staging copy is stranded.
		logger.Warn().Err(err).Str("source", from).Msg("copied across devices but could not remove source")
	}
	return true, nil
}

// copyInto copies from into a temporary file beside to, then renames it onto to.
func (p *Placer) copyInto(from, to string) error {
	src, err := p.fs.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := p.fs.Stat(from)
	if err != nil {
		return err
	}

	tmpPath := p.fs.Join(filepath.Dir(to), "."+filepath.Base(to)+"."+uuid.NewString()+".partial")
	dst, err := p.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		p.fs.Remove(tmpPath)
		return fmt.Errorf("copying %s: %w", from, err)
	}
	if s, ok := dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			dst.Close()
			p.fs.Remove(tmpPath)
			return fmt.Errorf("syncing %s: %w", tmpPath, err)
		}
	}
	if err := dst.Close(); err != nil {
		p.fs.Remove(tmpPath)
		return err
	}

	if err := p.fs.Rename(tmpPath, to); err != nil {
		p.fs.Remove(tmpPath)
		return err
	}
	return nil
}
