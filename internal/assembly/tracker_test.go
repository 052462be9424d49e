package assembly_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tus-placer/backend/internal/assembly"
	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/storage"
	"github.com/tus-placer/backend/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	dir     string
	staging *storage.Staging
	tracker *assembly.Tracker
}

func newFixture(t *testing.T, fsys storage.FS, opts assembly.Options) *fixture {
	t.Helper()
	dir, _ := testutil.Dirs(t)
	if fsys == nil {
		fsys = storage.OS()
	}
	st := storage.NewStaging(fsys, dir, ".json")
	return &fixture{
		dir:     dir,
		staging: st,
		tracker: assembly.NewTracker(assembly.NewMemoryStore(), st, opts),
	}
}

// seedPart writes part index of group gid and returns the event for it.
func (f *fixture) seedPart(t *testing.T, gid string, index, total int, content string, totalSize int64) assembly.Part {
	t.Helper()
	id := fmt.Sprintf("%s-blob-%d", gid, index)
	meta := testutil.PartMeta(gid, index, total, "movie.mkv", totalSize)
	testutil.SeedUpload(t, f.dir, id, []byte(content), meta)
	return assembly.Part{BlobID: id, Meta: models.ParsePartMetadata(meta)}
}

func (f *fixture) read(t *testing.T, id string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, id))
	require.NoError(t, err)
	return string(data)
}

func TestAdd_AssemblesInIndexOrderForEveryArrivalOrder(t *testing.T) {
	contents := []string{"AAAA", "BB", "CCCCCC"}
	orders := [][]int{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3},
		{2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t, nil, assembly.Options{VerifySize: true})
			parts := make([]assembly.Part, len(contents))
			for i, c := range contents {
				parts[i] = f.seedPart(t, "g", i+1, len(contents), c, 12)
			}

			var art *assembly.Artifact
			for n, idx := range order {
				got, err := f.tracker.Add(context.Background(), parts[idx-1])
				require.NoError(t, err)
				if n < len(order)-1 {
					assert.Nil(t, got, "no artifact before the last part")
				} else {
					art = got
				}
			}

			require.NotNil(t, art)
			assert.Equal(t, parts[0].BlobID, art.BlobID, "part 1 is the anchor")
			assert.Equal(t, int64(12), art.Size)
			assert.Equal(t, 3, art.Parts)
			assert.Equal(t, "AAAABBCCCCCC", f.read(t, art.BlobID))

			for _, p := range parts[1:] {
				assert.False(t, testutil.Exists(filepath.Join(f.dir, p.BlobID)), "appended part is deleted")
				assert.False(t, testutil.Exists(filepath.Join(f.dir, p.BlobID+".json")))
			}

			sc := testutil.ReadSidecar(t, filepath.Join(f.dir, art.BlobID+".json"))
			require.NotNil(t, sc.Size)
			assert.Equal(t, int64(12), *sc.Size)
			assert.Equal(t, int64(12), sc.Offset)
			assert.Equal(t, "g", sc.MetaData[models.MetaGroupID])

			_, tracked := f.tracker.Group("g")
			assert.False(t, tracked, "record is discarded after assembly")
		})
	}
}

func TestAdd_GroupIsConsumedOnce(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{})
	p1 := f.seedPart(t, "once", 1, 2, "x", -1)
	p2 := f.seedPart(t, "once", 2, 2, "y", -1)

	_, err := f.tracker.Add(context.Background(), p1)
	require.NoError(t, err)
	art, err := f.tracker.Add(context.Background(), p2)
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, int64(2), art.Size, "without a declared size the sum is used")

	again, err := f.tracker.Add(context.Background(), p2)
	assert.ErrorIs(t, err, assembly.ErrDuplicate)
	assert.Nil(t, again)
	assert.Equal(t, "xy", f.read(t, art.BlobID))
}

func TestAdd_RedeliveredIndexReplacesBlob(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{})
	first := f.seedPart(t, "re", 2, 2, "old", -1)
	_, err := f.tracker.Add(context.Background(), first)
	require.NoError(t, err)

	second := f.seedPart(t, "re", 2, 2, "new", -1)
	second.BlobID = "re-blob-2b"
	require.NoError(t, os.Rename(filepath.Join(f.dir, "re-blob-2"), filepath.Join(f.dir, second.BlobID)))
	_, err = f.tracker.Add(context.Background(), second)
	require.NoError(t, err)

	status, ok := f.tracker.Group("re")
	require.True(t, ok)
	assert.Equal(t, []int{2}, status.Received)

	art, err := f.tracker.Add(context.Background(), f.seedPart(t, "re", 1, 2, "head-", -1))
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, "head-new", f.read(t, art.BlobID))
}

func TestAdd_RejectsInvalidParts(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{MaxTotalParts: 4})

	tests := []struct {
		name string
		meta map[string]string
		want error
	}{
		{"single part", map[string]string{"filename": "a"}, assembly.ErrInvalidPart},
		{"index beyond total", testutil.PartMeta("g", 5, 3, "", -1), assembly.ErrInvalidPart},
		{"too many parts", testutil.PartMeta("g", 1, 5, "", -1), assembly.ErrTooManyParts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.Add(context.Background(), assembly.Part{
				BlobID: "b",
				Meta:   models.ParsePartMetadata(tt.meta),
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.tracker.Add(context.Background(), assembly.Part{
		BlobID: "../escape",
		Meta:   models.ParsePartMetadata(testutil.PartMeta("g", 1, 2, "", -1)),
	})
	assert.ErrorIs(t, err, storage.ErrInvalidID)
	assert.Empty(t, f.tracker.Snapshot())
}

func TestAdd_TotalPartsMismatch(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{})
	_, err := f.tracker.Add(context.Background(), f.seedPart(t, "mm", 1, 3, "a", -1))
	require.NoError(t, err)

	_, err = f.tracker.Add(context.Background(), f.seedPart(t, "mm", 2, 4, "b", -1))
	assert.ErrorIs(t, err, assembly.ErrTotalMismatch)

	status, ok := f.tracker.Group("mm")
	require.True(t, ok)
	assert.Equal(t, []int{1}, status.Received)
}

func TestAdd_SizeMismatchAbandonsWithoutDeleting(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{VerifySize: true})
	p1 := f.seedPart(t, "sz", 1, 2, "abc", 100)
	p2 := f.seedPart(t, "sz", 2, 2, "def", 100)

	_, err := f.tracker.Add(context.Background(), p1)
	require.NoError(t, err)
	art, err := f.tracker.Add(context.Background(), p2)
	assert.ErrorIs(t, err, assembly.ErrSizeMismatch)
	assert.Nil(t, art)

	status, ok := f.tracker.Group("sz")
	require.True(t, ok)
	assert.Equal(t, models.GroupAbandoned, status.State)
	assert.Contains(t, status.LastError, "declared 100")

	assert.Equal(t, "abc", f.read(t, p1.BlobID))
	assert.Equal(t, "def", f.read(t, p2.BlobID))

	_, err = f.tracker.Add(context.Background(), p2)
	assert.ErrorIs(t, err, assembly.ErrAbandoned, "abandoned groups do not retry on redelivery")
}

func TestRetry_ResumesAfterPartialAppend(t *testing.T) {
	hook := &testutil.HookFS{FS: storage.OS()}
	f := newFixture(t, hook, assembly.Options{})

	p1 := f.seedPart(t, "rt", 1, 3, "one-", -1)
	p2 := f.seedPart(t, "rt", 2, 3, "two-", -1)
	p3 := f.seedPart(t, "rt", 3, 3, "three", -1)

	broken := errors.New("disk hiccup")
	hook.OnOpen = func(name string) error {
		if strings.HasSuffix(name, p3.BlobID) {
			return broken
		}
		return nil
	}

	for _, p := range []assembly.Part{p1, p2} {
		_, err := f.tracker.Add(context.Background(), p)
		require.NoError(t, err)
	}
	_, err := f.tracker.Add(context.Background(), p3)
	require.ErrorIs(t, err, broken)

	status, ok := f.tracker.Group("rt")
	require.True(t, ok)
	assert.Equal(t, models.GroupAbandoned, status.State)
	assert.Equal(t, 2, status.Appended)
	assert.Equal(t, "one-two-", f.read(t, p1.BlobID))
	assert.False(t, testutil.Exists(filepath.Join(f.dir, p2.BlobID)))
	assert.True(t, testutil.Exists(filepath.Join(f.dir, p3.BlobID)))

	hook.OnOpen = nil
	art, err := f.tracker.Retry(context.Background(), "rt")
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, "one-two-three", f.read(t, art.BlobID), "part 2 is not appended twice")
	assert.Equal(t, int64(13), art.Size)

	_, err = f.tracker.Retry(context.Background(), "rt")
	assert.ErrorIs(t, err, assembly.ErrGroupNotFound)
}

func TestRetry_RejectsCollectingGroup(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{})
	_, err := f.tracker.Add(context.Background(), f.seedPart(t, "c", 1, 2, "a", -1))
	require.NoError(t, err)

	_, err = f.tracker.Retry(context.Background(), "c")
	assert.ErrorIs(t, err, assembly.ErrNotRetryable)
}

func TestAdd_ConcurrentGroups(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{})
	const groups, parts = 12, 5

	var events []assembly.Part
	for g := 0; g < groups; g++ {
		gid := fmt.Sprintf("cg%02d", g)
		for i := parts; i >= 1; i-- {
			events = append(events, f.seedPart(t, gid, i, parts, fmt.Sprintf("%d", i), -1))
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		artifacts = map[string]*assembly.Artifact{}
	)
	for _, ev := range events {
		wg.Add(1)
		go func(ev assembly.Part) {
			defer wg.Done()
			art, err := f.tracker.Add(context.Background(), ev)
			assert.NoError(t, err)
			if art != nil {
				mu.Lock()
				defer mu.Unlock()
				_, dup := artifacts[art.GroupID]
				assert.False(t, dup, "group %s assembled twice", art.GroupID)
				artifacts[art.GroupID] = art
			}
		}(ev)
	}
	wg.Wait()

	require.Len(t, artifacts, groups)
	for _, art := range artifacts {
		assert.Equal(t, "12345", f.read(t, art.BlobID))
	}
	assert.Empty(t, f.tracker.Snapshot())
}

func TestPrune_DropsOnlyStaleAbandonedGroups(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{VerifySize: true})

	_, err := f.tracker.Add(context.Background(), f.seedPart(t, "old", 1, 2, "a", 9))
	require.NoError(t, err)
	_, err = f.tracker.Add(context.Background(), f.seedPart(t, "old", 2, 2, "b", 9))
	require.ErrorIs(t, err, assembly.ErrSizeMismatch)

	_, err = f.tracker.Add(context.Background(), f.seedPart(t, "live", 1, 2, "a", -1))
	require.NoError(t, err)

	assert.Equal(t, 0, f.tracker.Prune(time.Hour), "nothing is older than an hour")
	assert.Equal(t, 1, f.tracker.Prune(-time.Second))

	snap := f.tracker.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "live", snap[0].GroupID)
	assert.Equal(t, models.GroupCollecting, snap[0].State)
	assert.True(t, testutil.Exists(filepath.Join(f.dir, "old-blob-1")), "pruning leaves staging files")
}

func TestPruneStale_DropsIdleCollectingGroups(t *testing.T) {
	f := newFixture(t, nil, assembly.Options{VerifySize: true})
	ctx := context.Background()

	_, err := f.tracker.Add(ctx, f.seedPart(t, "broken", 1, 2, "a", 9))
	require.NoError(t, err)
	_, err = f.tracker.Add(ctx, f.seedPart(t, "broken", 2, 2, "b", 9))
	require.ErrorIs(t, err, assembly.ErrSizeMismatch)

	_, err = f.tracker.Add(ctx, f.seedPart(t, "idle", 1, 3, "a", -1))
	require.NoError(t, err)

	assert.Equal(t, 0, f.tracker.PruneStale(time.Hour))
	assert.Equal(t, 1, f.tracker.PruneStale(-time.Second))

	_, ok := f.tracker.Group("idle")
	assert.False(t, ok)
	broken, ok := f.tracker.Group("broken")
	require.True(t, ok, "abandoned groups wait for Prune")
	assert.Equal(t, models.GroupAbandoned, broken.State)
	assert.True(t, testutil.Exists(filepath.Join(f.dir, "idle-blob-1")), "pruning leaves staging files")

	_, err = f.tracker.Add(ctx, f.seedPart(t, "idle", 2, 3, "b", -1))
	require.NoError(t, err)
	idle, ok := f.tracker.Group("idle")
	require.True(t, ok)
	assert.Equal(t, []int{2}, idle.Received, "a late part starts a fresh record")
}
