// Package upload runs the completion pipeline: it classifies a finished
// upload, hands multipart parts to the assembly tracker and places complete
// files under their final name.
package upload

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tus-placer/backend/internal/assembly"
	"github.com/tus-placer/backend/internal/config"
	"github.com/tus-placer/backend/internal/filename"
	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/metrics"
	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/placement"
	"github.com/tus-placer/backend/internal/storage"
)

// ErrNotReady is returned when the sidecar shows bytes still missing.
var ErrNotReady = errors.New("upload not fully received")

// Status represents the processing status of one completion event.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusAssembling Status = "assembling"
	StatusPlacing    Status = "placing"
	StatusCollecting Status = "collecting"
	StatusComplete   Status = "complete"
	StatusConflict   Status = "conflict"
	StatusError      Status = "error"
)

// Terminal reports whether no further updates will follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCollecting, StatusComplete, StatusConflict, StatusError:
		return true
	}
	return false
}

// Job represents an async completion job.
type Job struct {
	ID          string                  `json:"id"`
	UploadID    string                  `json:"uploadId"`
	GroupID     string                  `json:"groupId,omitempty"`
	PartIndex   int                     `json:"partIndex,omitempty"`
	TotalParts  int                     `json:"totalParts,omitempty"`
	FileName    string                  `json:"fileName,omitempty"`
	Status      Status                  `json:"status"`
	Stage       string                  `json:"stage"`
	Placement   *models.PlacementRecord `json:"placement,omitempty"`
	Error       string                  `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

// Outcome is the result of handling one completion event.
type Outcome struct {
	Status      models.PlacementStatus `json:"status"`
	UploadID    string                 `json:"uploadId,omitempty"`
	GroupID     string                 `json:"groupId,omitempty"`
	FinalName   string                 `json:"finalName,omitempty"`
	Destination string                 `json:"destination,omitempty"`
	Size        int64                  `json:"size"`
	SidecarKept bool                   `json:"sidecarKept"`
	SidecarErr  error                  `json:"-"`
}

// Recorder persists terminal outcomes.
type Recorder interface {
	Record(ctx context.Context, rec models.PlacementRecord) error
}

// Observer is notified of every job change.
type Observer interface {
	JobUpdated(job Job)
}

// Config wires a Manager.
type Config struct {
	Staging  *storage.Staging
	Tracker  *assembly.Tracker
	Resolver *filename.Resolver
	Placer   *placement.Placer

	// MountDir is the destination directory. It must already exist.
	MountDir string
	// SidecarRetention is one of the config.Retain* policies.
	SidecarRetention string

	Recorder Recorder
	Observer Observer
}

// Manager handles completion events.
type Manager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
	wg   sync.WaitGroup

	staging   *storage.Staging
	tracker   *assembly.Tracker
	resolver  *filename.Resolver
	placer    *placement.Placer
	mountDir  string
	retention string
	recorder  Recorder
	observer  Observer
}

// NewManager creates a completion manager.
func NewManager(cfg Config) *Manager {
	retention := cfg.SidecarRetention
	if retention == "" {
		retention = config.RetainMachineName
	}
	return &Manager{
		jobs:      make(map[string]*Job),
		staging:   cfg.Staging,
		tracker:   cfg.Tracker,
		resolver:  cfg.Resolver,
		placer:    cfg.Placer,
		mountDir:  cfg.MountDir,
		retention: retention,
		recorder:  cfg.Recorder,
		observer:  cfg.Observer,
	}
}

// Tracker returns the assembly tracker.
func (m *Manager) Tracker() *assembly.Tracker { return m.tracker }

// OnUploadCreate decides whether an upload may start. It returns a
// *filename.ConflictError when the prevent policy would be violated, or an
// assembly error for multipart fields the tracker would never accept.
func (m *Manager) OnUploadCreate(ctx context.Context, meta models.PartMetadata) error {
	if meta.IsMultipart() {
		if err := m.tracker.Validate(meta); err != nil {
			return err
		}
	}

	err := m.resolver.Precheck(meta, m.mountDir)
	if filename.IsConflict(err) {
		metrics.PrecheckConflicts.Inc()
		logger.Ctx(ctx).Info().Err(err).Str("filename", meta.OriginalFilename).Msg("rejecting upload creation")
	}
	return err
}

// Complete handles a finished upload synchronously.
func (m *Manager) Complete(ctx context.Context, uploadID string, meta models.PartMetadata) (*Outcome, error) {
	if err := storage.ValidateID(uploadID); err != nil {
		return &Outcome{Status: models.PlacementFailed, UploadID: uploadID}, err
	}

	if meta.IsMultipart() {
		metrics.PartsReceived.WithLabelValues("multipart").Inc()

		art, err := m.tracker.Add(ctx, assembly.Part{BlobID: uploadID, Meta: meta})
		switch {
		case errors.Is(err, assembly.ErrDuplicate):
			return &Outcome{Status: models.PlacementDuplicate, UploadID: uploadID, GroupID: meta.GroupID}, nil
		case rejectedPart(err):
			return &Outcome{Status: models.PlacementFailed, UploadID: uploadID, GroupID: meta.GroupID}, err
		case err != nil:
			return &Outcome{Status: models.PlacementAbandoned, UploadID: uploadID, GroupID: meta.GroupID}, err
		case art == nil:
			return &Outcome{Status: models.PlacementCollecting, UploadID: uploadID, GroupID: meta.GroupID}, nil
		}
		return m.place(ctx, art.BlobID, art.GroupID, art.Metadata)
	}

	metrics.PartsReceived.WithLabelValues("single").Inc()

	sc, err := m.staging.ReadSidecar(uploadID)
	switch {
	case errors.Is(err, storage.ErrSidecarNotFound):
		logger.Ctx(ctx).Debug().Str("upload", uploadID).Msg("no sidecar; placing blob alone")
	case err != nil:
		return &Outcome{Status: models.PlacementFailed, UploadID: uploadID}, err
	case !sc.Complete():
		return &Outcome{Status: models.PlacementFailed, UploadID: uploadID},
			fmt.Errorf("%w: %s at %d of %d bytes", ErrNotReady, uploadID, sc.Offset, *sc.Size)
	}

	return m.place(ctx, uploadID, "", meta)
}

// rejectedPart reports whether the tracker refused a part without touching
// its group.
func rejectedPart(err error) bool {
	return errors.Is(err, assembly.ErrInvalidPart) ||
		errors.Is(err, assembly.ErrTooManyParts) ||
		errors.Is(err, assembly.ErrTotalMismatch) ||
		errors.Is(err, storage.ErrInvalidID)
}

// Retry re-runs assembly of an abandoned group and places the result.
func (m *Manager) Retry(ctx context.Context, groupID string) (*Outcome, error) {
	started := time.Now()

	art, err := m.tracker.Retry(ctx, groupID)
	if errors.Is(err, assembly.ErrGroupNotFound) || errors.Is(err, assembly.ErrNotRetryable) {
		return nil, err
	}

	var out *Outcome
	if err != nil {
		out = &Outcome{Status: models.PlacementAbandoned, GroupID: groupID}
	} else {
		out, err = m.place(ctx, art.BlobID, art.GroupID, art.Metadata)
	}

	m.record(ctx, out, err, started)
	return out, err
}

// place resolves the final name of staging blob id and moves it there.
// On a conflict nothing moves and the blob stays in staging.
func (m *Manager) place(ctx context.Context, id, groupID string, meta models.PartMetadata) (*Outcome, error) {
	log := logger.Ctx(ctx)
	out := &Outcome{Status: models.PlacementFailed, UploadID: id, GroupID: groupID}

	finalName := id
	if meta.WantsOriginalName() {
		candidate := filename.Sanitize(meta.OriginalFilename)
		if filename.Usable(candidate) {
			name, err := m.resolver.Resolve(candidate, id, m.mountDir, meta.DuplicatePolicy)
			if err != nil {
				if filename.IsConflict(err) {
					out.Status = models.PlacementConflict
				}
				return out, err
			}
			finalName = name
		} else {
			log.Warn().Str("upload", id).Str("filename", meta.OriginalFilename).
				Msg("original filename unusable, keeping machine name")
		}
	}

	req := placement.Request{
		StagingPath:     m.staging.BlobPath(id),
		DestinationPath: m.staging.FS().Join(m.mountDir, finalName),
		SidecarPath:     m.staging.SidecarPath(id),
		KeepSidecar:     m.keepSidecar(finalName == id),
	}
	res, err := m.placer.Place(ctx, req)
	if err != nil {
		return out, err
	}

	if res.CrossDevice {
		metrics.CrossDeviceMoves.Inc()
	}
	out.Status = models.PlacementPlaced
	out.FinalName = finalName
	out.Destination = res.DestinationPath
	out.Size = res.Bytes
	out.SidecarKept = res.SidecarPath != ""
	out.SidecarErr = res.SidecarErr
	return out, nil
}

func (m *Manager) keepSidecar(machineName bool) bool {
	switch m.retention {
	case config.RetainAlways:
		return true
	case config.RetainNever:
		return false
	default:
		return machineName
	}
}

// StartJob begins async processing of a completion event.
func (m *Manager) StartJob(uploadID string, meta models.PartMetadata) *Job {
	job := &Job{
		ID:        uuid.New().String(),
		UploadID:  uploadID,
		FileName:  meta.OriginalFilename,
		Status:    StatusProcessing,
		Stage:     "queued",
		CreatedAt: time.Now(),
	}
	if meta.IsMultipart() {
		job.GroupID = meta.GroupID
		job.PartIndex = meta.PartIndex
		job.TotalParts = meta.TotalParts
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	m.notify(job)

	m.wg.Add(1)
	go m.processJob(job, meta)

	return job
}

// GetJob returns a snapshot of a job.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) processJob(job *Job, meta models.PartMetadata) {
	defer m.wg.Done()

	l := logger.Get().With().Str("job", job.ID[:8]).Str("upload", job.UploadID).Logger()
	ctx := logger.WithLogger(context.Background(), &l)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("completion job panicked")
			m.markJobError(job, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if meta.IsMultipart() {
		m.updateJobStatus(job, StatusAssembling, fmt.Sprintf("part %d of %d", meta.PartIndex, meta.TotalParts))
	} else {
		m.updateJobStatus(job, StatusPlacing, "placing file")
	}

	out, err := m.Complete(ctx, job.UploadID, meta)
	rec := m.record(ctx, out, err, started)

	switch {
	case out.Status == models.PlacementConflict:
		m.finishJob(job, StatusConflict, rec, err)
	case err != nil:
		m.finishJob(job, StatusError, rec, err)
	case out.Status == models.PlacementCollecting:
		m.finishJob(job, StatusCollecting, rec, nil)
	default:
		m.finishJob(job, StatusComplete, rec, nil)
	}
}

// record reports an outcome to metrics, the log and the recorder.
func (m *Manager) record(ctx context.Context, out *Outcome, err error, started time.Time) *models.PlacementRecord {
	log := logger.Ctx(ctx)

	rec := &models.PlacementRecord{
		ID:          uuid.New().String(),
		UploadID:    out.UploadID,
		GroupID:     out.GroupID,
		FinalName:   out.FinalName,
		Destination: out.Destination,
		Size:        out.Size,
		SidecarKept: out.SidecarKept,
		Status:      out.Status,
		RecordedAt:  time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	} else if out.SidecarErr != nil {
		rec.Error = out.SidecarErr.Error()
	}

	metrics.Placements.WithLabelValues(string(rec.Status)).Inc()
	if rec.Status == models.PlacementPlaced {
		metrics.PlacementDuration.Observe(time.Since(started).Seconds())
	}

	switch {
	case err != nil:
		log.Error().Err(err).Str("status", string(rec.Status)).Str("group", rec.GroupID).Msg("upload not placed")
	case rec.Status == models.PlacementPlaced:
		log.Info().Str("name", rec.FinalName).Bool("sidecar_kept", rec.SidecarKept).Msg("upload complete")
	default:
		log.Debug().Str("status", string(rec.Status)).Str("group", rec.GroupID).Msg("completion event handled")
	}

	if m.recorder != nil {
		if rerr := m.recorder.Record(ctx, *rec); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to record outcome")
		}
	}
	return rec
}

// updateJobStatus updates job progress (thread-safe).
func (m *Manager) updateJobStatus(job *Job, status Status, stage string) {
	m.mu.Lock()
	job.Status = status
	job.Stage = stage
	m.mu.Unlock()
	m.notify(job)
}

// finishJob marks job terminal (thread-safe).
func (m *Manager) finishJob(job *Job, status Status, rec *models.PlacementRecord, err error) {
	m.mu.Lock()
	job.Status = status
	job.Stage = string(rec.Status)
	job.Placement = rec
	if err != nil {
		job.Error = err.Error()
	}
	now := time.Now()
	job.CompletedAt = &now
	m.mu.Unlock()
	m.notify(job)
}

// markJobError marks job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	job.Status = StatusError
	job.Stage = "failed"
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	m.mu.Unlock()
	m.notify(job)
}

func (m *Manager) notify(job *Job) {
	if m.observer == nil {
		return
	}
	m.mu.RLock()
	cp := *job
	m.mu.RUnlock()
	m.observer.JobUpdated(cp)
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}
