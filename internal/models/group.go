package models

import "time"

// GroupState is the lifecycle state of a multipart assembly record.
type GroupState string

const (
	GroupCollecting GroupState = "collecting"
	GroupAssembling GroupState = "assembling"
	GroupAbandoned  GroupState = "abandoned"
)

// GroupStatus is a read-only snapshot of one assembly record.
type GroupStatus struct {
	GroupID    string     `json:"groupId" msgpack:"groupId"`
	State      GroupState `json:"state" msgpack:"state"`
	TotalParts int        `json:"totalParts" msgpack:"totalParts"`
	Received   []int      `json:"received" msgpack:"received"`
	Appended   int        `json:"appended" msgpack:"appended"`
	Filename   string     `json:"filename,omitempty" msgpack:"filename,omitempty"`
	LastError  string     `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt" msgpack:"updatedAt"`
}
