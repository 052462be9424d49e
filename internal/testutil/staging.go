package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/tus-placer/backend/internal/models"
)

// Dirs creates a staging and a mount directory under one temp root.
func Dirs(t *testing.T) (staging, mount string) {
	t.Helper()
	root := t.TempDir()
	staging = filepath.Join(root, "staging")
	mount = filepath.Join(root, "mount")
	for _, dir := range []string{staging, mount} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("creating %s: %v", dir, err)
		}
	}
	return staging, mount
}

// SeedUpload writes a finished staging blob and its .json sidecar.
func SeedUpload(t *testing.T, stagingDir, id string, content []byte, meta map[string]string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(stagingDir, id), content, 0644); err != nil {
		t.Fatalf("writing blob %s: %v", id, err)
	}

	size := int64(len(content))
	now := time.Now().UTC()
	sc := models.Sidecar{
		ID:           id,
		Size:         &size,
		Offset:       size,
		MetaData:     meta,
		CreationDate: &now,
	}
	data, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("encoding sidecar %s: %v", id, err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, id+".json"), data, 0644); err != nil {
		t.Fatalf("writing sidecar %s: %v", id, err)
	}
}

// ReadSidecar decodes a sidecar file from disk.
func ReadSidecar(t *testing.T, path string) models.Sidecar {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading sidecar %s: %v", path, err)
	}
	var sc models.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		t.Fatalf("decoding sidecar %s: %v", path, err)
	}
	return sc
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PartMeta builds multipart metadata for one part.
func PartMeta(groupID string, index, total int, filename string, totalSize int64) map[string]string {
	meta := map[string]string{
		models.MetaGroupID:    groupID,
		models.MetaPartIndex:  itoa(int64(index)),
		models.MetaTotalParts: itoa(int64(total)),
	}
	if filename != "" {
		meta[models.MetaOriginalFilename] = filename
		meta[models.MetaUseOriginalFilename] = "true"
		meta[models.MetaDuplicatePolicy] = string(models.PolicyNumber)
	}
	if totalSize >= 0 {
		meta[models.MetaOriginalFileSize] = itoa(totalSize)
	}
	return meta
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
