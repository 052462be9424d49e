package filename

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/storage"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my report (final).pdf", "my_report__final_.pdf"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"résumé.doc", "r_sum_.doc"},
		{"a-b_c.D9", "a-b_c.D9"},
		{"", ""},
		{"日本", "__"},
		{"emoji 🚀.png", "emoji___.png"},
		{"𝄞", "__"},
		{"bad\xffbyte", "bad_byte"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"", "plain", "with space", "tab\tname", "emoji 🚀.png", `back\slash`,
		"semi;colon", "quote\"d", "null\x00byte", "..", "~home", "%2e%2e",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
		for _, r := range once {
			assert.True(t, isSafe(r), "rune %q survived in %q", r, once)
		}
	}
}

func TestSplitExt(t *testing.T) {
	tests := []struct {
		in, base, ext string
	}{
		{"report.pdf", "report", ".pdf"},
		{"archive.tar.gz", "archive.tar", ".gz"},
		{"README", "README", ""},
		{".env", ".env", ""},
		{"..", "..", ""},
		{"trailing.", "trailing", "."},
	}
	for _, tt := range tests {
		base, ext := SplitExt(tt.in)
		assert.Equal(t, tt.base, base, tt.in)
		assert.Equal(t, tt.ext, ext, tt.in)
	}
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}
}

func TestResolve_Prevent(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(storage.OS(), 0)

	name, err := r.Resolve("report.pdf", "id1", dir, models.PolicyPrevent)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	touch(t, dir, "report.pdf")
	_, err = r.Resolve("report.pdf", "id1", dir, models.PolicyPrevent)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "report.pdf")
}

func TestResolve_NumberPicksSmallestFreeSuffix(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(storage.OS(), 0)

	touch(t, dir, "report.pdf")
	name, err := r.Resolve("report.pdf", "id1", dir, models.PolicyNumber)
	require.NoError(t, err)
	assert.Equal(t, "report(1).pdf", name)

	touch(t, dir, "report(1).pdf", "report(3).pdf")
	name, err = r.Resolve("report.pdf", "id1", dir, models.PolicyNumber)
	require.NoError(t, err)
	assert.Equal(t, "report(2).pdf", name)

	touch(t, dir, ".env")
	name, err = r.Resolve(".env", "id1", dir, models.PolicyNumber)
	require.NoError(t, err)
	assert.Equal(t, ".env(1)", name)
}

func TestResolve_NumberProbeLimit(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(storage.OS(), 2)
	touch(t, dir, "a.txt", "a(1).txt", "a(2).txt")

	_, err := r.Resolve("a.txt", "id1", dir, models.PolicyNumber)
	assert.ErrorIs(t, err, ErrProbeLimit)
}

func TestResolve_KeepMachineNameIgnoresCollisions(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(storage.OS(), 0)
	touch(t, dir, "report.pdf")

	name, err := r.Resolve("report.pdf", "0f3c9a", dir, models.PolicyKeepMachineName)
	require.NoError(t, err)
	assert.Equal(t, "0f3c9a", name)
}

func TestPrecheck(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(storage.OS(), 0)
	touch(t, dir, "my_report.pdf")

	meta := func(raw map[string]string) models.PartMetadata { return models.ParsePartMetadata(raw) }

	err := r.Precheck(meta(map[string]string{
		models.MetaOriginalFilename:    "my report.pdf",
		models.MetaUseOriginalFilename: "true",
		models.MetaDuplicatePolicy:     "prevent",
	}), dir)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), `"my report.pdf"`)

	assert.NoError(t, r.Precheck(meta(map[string]string{
		models.MetaOriginalFilename:    "my report.pdf",
		models.MetaUseOriginalFilename: "true",
		models.MetaDuplicatePolicy:     "number",
	}), dir))

	assert.NoError(t, r.Precheck(meta(map[string]string{
		models.MetaOriginalFilename: "my report.pdf",
		models.MetaDuplicatePolicy:  "prevent",
	}), dir), "original name not requested")
}
