package models

import (
	"strconv"
	"strings"
)

// Metadata keys attached by the client to every part.
const (
	MetaGroupID             = "groupId"
	MetaPartIndex           = "partIndex"
	MetaTotalParts          = "totalParts"
	MetaOriginalFilename    = "originalFilename"
	MetaOriginalFileSize    = "originalFileSizeBytes"
	MetaUseOriginalFilename = "useOriginalFilename"
	MetaDuplicatePolicy     = "duplicatePolicy"
)

// DuplicatePolicy decides what happens when the final name is already taken.
type DuplicatePolicy string

const (
	PolicyPrevent DuplicatePolicy = "prevent"
	PolicyNumber  DuplicatePolicy = "number"
	// PolicyKeepMachineName is the implicit policy for absent or unknown values.
	PolicyKeepMachineName DuplicatePolicy = "keep"
)

// ParseDuplicatePolicy maps a raw metadata value onto a policy.
func ParseDuplicatePolicy(raw string) DuplicatePolicy {
	switch DuplicatePolicy(raw) {
	case PolicyPrevent:
		return PolicyPrevent
	case PolicyNumber:
		return PolicyNumber
	default:
		return PolicyKeepMachineName
	}
}

// PartMetadata is the parsed view of a part's protocol metadata.
// Raw keeps every key, recognized or not.
type PartMetadata struct {
	Raw map[string]string

	GroupID    string
	PartIndex  int
	TotalParts int
	multipart  bool

	OriginalFilename    string
	OriginalFileSize    int64
	HasOriginalFileSize bool
	UseOriginalFilename bool
	DuplicatePolicy     DuplicatePolicy
}

// ParsePartMetadata parses recognized keys permissively. Missing or
// unparseable multipart fields make the part single-part.
func ParsePartMetadata(raw map[string]string) PartMetadata {
	if raw == nil {
		raw = map[string]string{}
	}

	m := PartMetadata{
		Raw:                 raw,
		OriginalFilename:    raw[MetaOriginalFilename],
		UseOriginalFilename: raw[MetaUseOriginalFilename] == "true",
		DuplicatePolicy:     ParseDuplicatePolicy(raw[MetaDuplicatePolicy]),
	}

	if size, err := strconv.ParseInt(strings.TrimSpace(raw[MetaOriginalFileSize]), 10, 64); err == nil && size >= 0 {
		m.OriginalFileSize = size
		m.HasOriginalFileSize = true
	}

	groupID, hasGroup := raw[MetaGroupID]
	index, idxErr := strconv.Atoi(strings.TrimSpace(raw[MetaPartIndex]))
	total, totalErr := strconv.Atoi(strings.TrimSpace(raw[MetaTotalParts]))
	if hasGroup && groupID != "" && idxErr == nil && totalErr == nil && index > 0 && total > 0 {
		m.GroupID = groupID
		m.PartIndex = index
		m.TotalParts = total
		m.multipart = true
	}

	return m
}

// IsMultipart reports whether the part belongs to a group of more than one part.
// A degenerate one-part group is treated as a single-part upload.
func (m PartMetadata) IsMultipart() bool {
	return m.multipart && m.TotalParts != 1
}

// WantsOriginalName reports whether the human-chosen name was requested and supplied.
func (m PartMetadata) WantsOriginalName() bool {
	return m.UseOriginalFilename && m.OriginalFilename != ""
}
