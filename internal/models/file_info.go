package models

import "time"

// PlacementStatus is the terminal outcome of one completion event.
type PlacementStatus string

const (
	PlacementPlaced     PlacementStatus = "placed"
	PlacementCollecting PlacementStatus = "collecting"
	PlacementConflict   PlacementStatus = "conflict"
	PlacementAbandoned  PlacementStatus = "abandoned"
	PlacementFailed     PlacementStatus = "failed"
	PlacementDuplicate  PlacementStatus = "duplicate"
)

// PlacementRecord describes where a completed upload ended up.
type PlacementRecord struct {
	ID          string          `json:"id"`
	UploadID    string          `json:"uploadId"`
	GroupID     string          `json:"groupId,omitempty"`
	FinalName   string          `json:"finalName,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Size        int64           `json:"size"`
	SidecarKept bool            `json:"sidecarKept"`
	Status      PlacementStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	RecordedAt  time.Time       `json:"recordedAt"`
}
