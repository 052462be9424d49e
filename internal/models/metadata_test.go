package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePartMetadata(t *testing.T) {
	tests := []struct {
		name      string
		raw       map[string]string
		multipart bool
		index     int
		total     int
	}{
		{
			name:      "full multipart",
			raw:       map[string]string{"groupId": "g1", "partIndex": "2", "totalParts": "3"},
			multipart: true, index: 2, total: 3,
		},
		{
			name: "missing group",
			raw:  map[string]string{"partIndex": "1", "totalParts": "3"},
		},
		{
			name: "empty group",
			raw:  map[string]string{"groupId": "", "partIndex": "1", "totalParts": "3"},
		},
		{
			name: "garbage index",
			raw:  map[string]string{"groupId": "g1", "partIndex": "two", "totalParts": "3"},
		},
		{
			name: "zero index",
			raw:  map[string]string{"groupId": "g1", "partIndex": "0", "totalParts": "3"},
		},
		{
			name:  "one part group",
			raw:   map[string]string{"groupId": "g1", "partIndex": "1", "totalParts": "1"},
			index: 1, total: 1,
		},
		{
			name: "nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParsePartMetadata(tt.raw)
			assert.Equal(t, tt.multipart, m.IsMultipart())
			assert.Equal(t, tt.index, m.PartIndex)
			assert.Equal(t, tt.total, m.TotalParts)
			assert.NotNil(t, m.Raw)
		})
	}
}

func TestParsePartMetadata_Naming(t *testing.T) {
	m := ParsePartMetadata(map[string]string{
		"originalFilename":      "report.pdf",
		"originalFileSizeBytes": "1024",
		"useOriginalFilename":   "true",
		"duplicatePolicy":       "number",
		"note":                  "kept",
	})

	assert.True(t, m.WantsOriginalName())
	assert.Equal(t, PolicyNumber, m.DuplicatePolicy)
	assert.True(t, m.HasOriginalFileSize)
	assert.Equal(t, int64(1024), m.OriginalFileSize)
	assert.Equal(t, "kept", m.Raw["note"])

	m = ParsePartMetadata(map[string]string{
		"originalFilename":      "report.pdf",
		"originalFileSizeBytes": "-5",
		"useOriginalFilename":   "TRUE",
	})
	assert.False(t, m.WantsOriginalName(), "only the literal true enables the original name")
	assert.False(t, m.HasOriginalFileSize)

	m = ParsePartMetadata(map[string]string{"useOriginalFilename": "true"})
	assert.False(t, m.WantsOriginalName(), "no filename to use")
}

func TestParseDuplicatePolicy(t *testing.T) {
	assert.Equal(t, PolicyPrevent, ParseDuplicatePolicy("prevent"))
	assert.Equal(t, PolicyNumber, ParseDuplicatePolicy("number"))
	assert.Equal(t, PolicyKeepMachineName, ParseDuplicatePolicy(""))
	assert.Equal(t, PolicyKeepMachineName, ParseDuplicatePolicy("overwrite"))
}

func TestSidecar_Complete(t *testing.T) {
	var s Sidecar
	assert.True(t, s.Complete(), "deferred length counts as complete")

	size := int64(10)
	s = Sidecar{Size: &size, Offset: 4}
	assert.False(t, s.Complete())

	s.SetLength(7)
	assert.True(t, s.Complete())
	assert.Equal(t, int64(7), *s.Size)
	assert.Equal(t, int64(7), s.Offset)
}

func TestSidecar_DecodesTusdInfo(t *testing.T) {
	data := []byte(`{"ID":"abc","Size":12,"Offset":12,"MetaData":{"filename":"a.txt"},"IsPartial":false}`)

	var s Sidecar
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "abc", s.ID)
	require.NotNil(t, s.Size)
	assert.Equal(t, int64(12), *s.Size)
	assert.Equal(t, "a.txt", s.MetaData["filename"])
	assert.True(t, s.Complete())
}

func TestSidecar_KeepsUnknownFields(t *testing.T) {
	data := []byte(`{"ID":"abc","Size":0,"SizeIsDeferred":true,"Offset":0,` +
		`"MetaData":{"filename":"a.txt"},"IsPartial":false,"IsFinal":false,"PartialUploads":null,` +
		`"Storage":{"Type":"filestore","Path":"/srv/uploads/abc"}}`)

	var s Sidecar
	require.NoError(t, json.Unmarshal(data, &s))
	assert.NotContains(t, s.Extra, "ID")
	assert.NotContains(t, s.Extra, "MetaData")
	assert.Contains(t, s.Extra, "Storage")

	s.SetLength(9)
	out, err := json.Marshal(&s)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.JSONEq(t, `{"Type":"filestore","Path":"/srv/uploads/abc"}`, string(fields["Storage"]))
	assert.JSONEq(t, `false`, string(fields["SizeIsDeferred"]))
	assert.JSONEq(t, `9`, string(fields["size"]))
	assert.JSONEq(t, `9`, string(fields["offset"]))
	assert.Contains(t, fields, "IsPartial")
	assert.Contains(t, fields, "PartialUploads")
	assert.NotContains(t, fields, "Size", "known fields are written once, in their own spelling")
	assert.NotContains(t, fields, "ID")

	var back Sidecar
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "abc", back.ID)
	assert.Equal(t, "a.txt", back.MetaData["filename"])
}
