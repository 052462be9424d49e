// Package assembly correlates the parts of multipart uploads and
// concatenates them, in part order, once every part has arrived.
//
// A group moves through absent -> collecting -> assembling and then either
// disappears (assembled) or stays in the store as abandoned. The transition
// into assembling is taken under the tracker lock, so each group is
// assembled at most once; the copy itself runs outside the lock and groups
// never wait on each other's I/O.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/metrics"
	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/storage"
)

var (
	ErrInvalidPart   = errors.New("invalid multipart part")
	ErrTooManyParts  = errors.New("totalParts exceeds limit")
	ErrTotalMismatch = errors.New("totalParts disagrees with group")
	// ErrDuplicate is returned for events of a group that is being or has
	// already been assembled.
	ErrDuplicate = errors.New("group already assembled")
	// ErrAbandoned is returned for events of a group whose assembly failed.
	ErrAbandoned     = errors.New("group assembly abandoned")
	ErrSizeMismatch  = errors.New("sum of part sizes does not match declared size")
	ErrGroupNotFound = errors.New("group not found")
	ErrNotRetryable  = errors.New("group is not an abandoned complete group")
)

// Part is one completion event of a multipart upload.
type Part struct {
	BlobID string
	Meta   models.PartMetadata
}

// Artifact is the result of a successful assembly: the anchor blob now holds
// the whole logical file and its sidecar declares the full size.
type Artifact struct {
	GroupID  string
	BlobID   string
	Metadata models.PartMetadata
	Size     int64
	Parts    int
}

// Options tunes a Tracker.
type Options struct {
	// MaxTotalParts rejects groups larger than this; zero means unlimited.
	MaxTotalParts int
	// VerifySize rejects a group whose part sizes do not add up to the
	// declared originalFileSizeBytes.
	VerifySize bool
}

// Tracker owns all assembly records.
type Tracker struct {
	mu         sync.Mutex
	store      Store
	staging    *storage.Staging
	opts       Options
	tombstones map[string]time.Time
	now        func() time.Time
}

// NewTracker creates a Tracker that keeps its records in store.
func NewTracker(store Store, staging *storage.Staging, opts Options) *Tracker {
	return &Tracker{
		store:      store,
		staging:    staging,
		opts:       opts,
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Validate checks a part's multipart fields without touching tracker state.
func (t *Tracker) Validate(meta models.PartMetadata) error {
	if !meta.IsMultipart() {
		return fmt.Errorf("%w: missing group fields", ErrInvalidPart)
	}
	if t.opts.MaxTotalParts > 0 && meta.TotalParts > t.opts.MaxTotalParts {
		return fmt.Errorf("%w: %d > %d", ErrTooManyParts, meta.TotalParts, t.opts.MaxTotalParts)
	}
	if meta.PartIndex < 1 || meta.PartIndex > meta.TotalParts {
		return fmt.Errorf("%w: index %d outside 1..%d", ErrInvalidPart, meta.PartIndex, meta.TotalParts)
	}
	return nil
}

// Add records a finished part. It returns a non-nil Artifact only for the
// event that completes the group. Redelivery of an index overwrites the
// earlier blob id.
func (t *Tracker) Add(ctx context.Context, part Part) (*Artifact, error) {
	meta := part.Meta
	if err := t.Validate(meta); err != nil {
		return nil, err
	}
	if err := storage.ValidateID(part.BlobID); err != nil {
		return nil, err
	}

	log := logger.Ctx(ctx).With().Str("group", meta.GroupID).Int("part", meta.PartIndex).Logger()

	t.mu.Lock()
	if _, done := t.tombstones[meta.GroupID]; done {
		t.mu.Unlock()
		log.Warn().Str("blob", part.BlobID).Msg("ignoring part of already assembled group")
		return nil, ErrDuplicate
	}

	now := t.now()
	rec, ok := t.store.Get(meta.GroupID)
	if !ok {
		rec = &Record{
			GroupID:    meta.GroupID,
			TotalParts: meta.TotalParts,
			Parts:      make(map[int]string, meta.TotalParts),
			Metadata:   meta,
			State:      models.GroupCollecting,
			Appended:   1,
			AnchorSize: -1,
			CreatedAt:  now,
		}
	} else if rec.TotalParts != meta.TotalParts {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: group has %d, part says %d", ErrTotalMismatch, rec.TotalParts, meta.TotalParts)
	}

	if rec.State == models.GroupAssembling {
		t.mu.Unlock()
		log.Warn().Str("blob", part.BlobID).Msg("ignoring part of group being assembled")
		return nil, ErrDuplicate
	}

	rec = rec.clone()
	if prev, seen := rec.Parts[meta.PartIndex]; seen && prev != part.BlobID {
		log.Warn().Str("previous", prev).Str("blob", part.BlobID).Msg("part redelivered, replacing blob")
	}
	rec.Parts[meta.PartIndex] = part.BlobID
	rec.UpdatedAt = now

	if rec.State == models.GroupAbandoned {
		t.store.Put(rec)
		t.mu.Unlock()
		log.Warn().Msg("part recorded for abandoned group; retry required")
		return nil, ErrAbandoned
	}

	if len(rec.Parts) < rec.TotalParts {
		t.store.Put(rec)
		t.updateGauge()
		t.mu.Unlock()
		log.Debug().Int("received", len(rec.Parts)).Int("total", rec.TotalParts).Msg("part recorded")
		return nil, nil
	}

	rec.State = models.GroupAssembling
	t.store.Put(rec)
	t.updateGauge()
	t.mu.Unlock()

	return t.run(ctx, rec.clone())
}

// Retry re-runs assembly for an abandoned group that has every part.
// Bytes already appended before the failure are kept and not appended again.
func (t *Tracker) Retry(ctx context.Context, groupID string) (*Artifact, error) {
	t.mu.Lock()
	rec, ok := t.store.Get(groupID)
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if rec.State != models.GroupAbandoned || len(rec.Parts) < rec.TotalParts {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s with %d/%d parts", ErrNotRetryable, groupID, rec.State, len(rec.Parts), rec.TotalParts)
	}

	rec = rec.clone()
	rec.State = models.GroupAssembling
	rec.UpdatedAt = t.now()
	t.store.Put(rec)
	t.mu.Unlock()

	logger.Ctx(ctx).Info().Str("group", groupID).Int("appended", rec.Appended).Msg("retrying assembly")
	return t.run(ctx, rec.clone())
}

// run assembles rec and commits the outcome to the store.
func (t *Tracker) run(ctx context.Context, rec *Record) (*Artifact, error) {
	log := logger.Ctx(ctx).With().Str("group", rec.GroupID).Logger()
	started := t.now()

	art, err := t.assemble(ctx, rec)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		rec.State = models.GroupAbandoned
		rec.LastError = err.Error()
		rec.UpdatedAt = t.now()
		t.store.Put(rec)
		t.updateGauge()
		metrics.Assemblies.WithLabelValues("abandoned").Inc()
		log.Error().Err(err).Int("appended", rec.Appended).Int("total", rec.TotalParts).
			Msg("assembly abandoned; remaining parts left in staging")
		return nil, err
	}

	t.store.Delete(rec.GroupID)
	t.tombstones[rec.GroupID] = t.now()
	t.updateGauge()
	metrics.Assemblies.WithLabelValues("assembled").Inc()
	log.Info().
		Str("anchor", art.BlobID).
		Int("parts", art.Parts).
		Str("size", humanize.IBytes(uint64(art.Size))).
		Dur("took", t.now().Sub(started)).
		Msg("assembled multipart upload")
	return art, nil
}

// assemble appends parts Appended+1..TotalParts onto the anchor in index
// order, deleting each part once appended, then rewrites the anchor sidecar.
// Progress is recorded in rec so a failed run can be resumed.
func (t *Tracker) assemble(ctx context.Context, rec *Record) (*Artifact, error) {
	anchorID, ok := rec.Parts[1]
	if !ok {
		return nil, fmt.Errorf("%w: part 1 missing", ErrInvalidPart)
	}

	anchorSize := rec.AnchorSize
	if anchorSize < 0 {
		size, err := t.staging.BlobSize(anchorID)
		if err != nil {
			return nil, err
		}
		anchorSize = size
	}

	expected := anchorSize
	for i := rec.Appended + 1; i <= rec.TotalParts; i++ {
		size, err := t.staging.BlobSize(rec.Parts[i])
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		expected += size
	}

	meta := rec.Metadata
	if t.opts.VerifySize && meta.HasOriginalFileSize && expected != meta.OriginalFileSize {
		return nil, fmt.Errorf("%w: parts total %d bytes, declared %d", ErrSizeMismatch, expected, meta.OriginalFileSize)
	}
	rec.AnchorSize = anchorSize

	if rec.Appended < rec.TotalParts {
		if err := t.appendParts(ctx, rec, anchorID); err != nil {
			return nil, err
		}
	}

	final := rec.AnchorSize
	if meta.HasOriginalFileSize {
		final = meta.OriginalFileSize
	}
	if err := t.rewriteSidecar(anchorID, meta, final); err != nil {
		return nil, err
	}

	return &Artifact{
		GroupID:  rec.GroupID,
		BlobID:   anchorID,
		Metadata: meta,
		Size:     final,
		Parts:    rec.TotalParts,
	}, nil
}

func (t *Tracker) appendParts(ctx context.Context, rec *Record, anchorID string) error {
	out, err := t.staging.OpenAppend(anchorID)
	if err != nil {
		return err
	}

	// A previous run may have failed halfway through a part.
	if err := out.Truncate(rec.AnchorSize); err != nil {
		out.Close()
		return fmt.Errorf("truncating anchor %s: %w", anchorID, err)
	}

	for i := rec.Appended + 1; i <= rec.TotalParts; i++ {
		blobID := rec.Parts[i]
		n, err := t.appendPart(out, blobID)
		if err != nil {
			out.Close()
			return fmt.Errorf("appending part %d (%s): %w", i, blobID, err)
		}
		rec.Appended = i
		rec.AnchorSize += n
		metrics.AssembledBytes.Add(float64(n))

		if err := t.staging.Remove(blobID); err != nil {
			out.Close()
			return fmt.Errorf("cleaning up part %d: %w", i, err)
		}
		logger.Ctx(ctx).Debug().Str("group", rec.GroupID).Int("part", i).Int64("bytes", n).Msg("part appended")
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing anchor %s: %w", anchorID, err)
	}
	return nil
}

func (t *Tracker) appendPart(out io.Writer, blobID string) (int64, error) {
	in, err := t.staging.OpenBlob(blobID)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(out, in)
}

func (t *Tracker) rewriteSidecar(anchorID string, meta models.PartMetadata, size int64) error {
	sc, err := t.staging.ReadSidecar(anchorID)
	if errors.Is(err, storage.ErrSidecarNotFound) {
		now := t.now().UTC()
		sc = &models.Sidecar{ID: anchorID, MetaData: meta.Raw, CreationDate: &now}
	} else if err != nil {
		return err
	}
	sc.SetLength(size)
	return t.staging.WriteSidecar(sc)
}

// Prune drops abandoned records and assembled-group markers older than maxAge.
// Staging blobs of pruned records are left for manual cleanup.
func (t *Tracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	pruned := 0
	for _, rec := range t.store.List() {
		if rec.State == models.GroupAbandoned && rec.UpdatedAt.Before(cutoff) {
			t.store.Delete(rec.GroupID)
			pruned++
			logger.Warn().Str("group", rec.GroupID).Int("parts", len(rec.Parts)).
				Msg("abandoned group aged out; its parts remain in staging")
		}
	}
	for id, at := range t.tombstones {
		if at.Before(cutoff) {
			delete(t.tombstones, id)
		}
	}
	t.updateGauge()
	return pruned
}

// PruneStale drops collecting records that received no part for maxAge.
// Group ids come from clients, so a group whose remaining parts never
// arrive would otherwise be held forever. Its parts stay in staging, and a
// part arriving later starts a fresh record.
func (t *Tracker) PruneStale(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	pruned := 0
	for _, rec := range t.store.List() {
		if rec.State == models.GroupCollecting && rec.UpdatedAt.Before(cutoff) {
			t.store.Delete(rec.GroupID)
			pruned++
			logger.Warn().Str("group", rec.GroupID).Int("received", len(rec.Parts)).Int("total", rec.TotalParts).
				Msg("incomplete group aged out; its parts remain in staging")
		}
	}
	t.updateGauge()
	return pruned
}

// Snapshot returns the status of every record, oldest first.
func (t *Tracker) Snapshot() []models.GroupStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.store.List()
	out := make([]models.GroupStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Group returns the status of one record.
func (t *Tracker) Group(groupID string) (models.GroupStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.store.Get(groupID)
	if !ok {
		return models.GroupStatus{}, false
	}
	return rec.status(), true
}

// updateGauge must be called with t.mu held.
func (t *Tracker) updateGauge() {
	metrics.GroupsPending.Set(float64(len(t.store.List())))
}
