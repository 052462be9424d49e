package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Sidecar is the JSON record persisted next to a staging blob.
type Sidecar struct {
	ID           string            `json:"id"`
	Size         *int64            `json:"size,omitempty"`
	Offset       int64             `json:"offset"`
	MetaData     map[string]string `json:"metadata,omitempty"`
	CreationDate *time.Time        `json:"creation_date,omitempty"`

	// Extra holds top-level fields this service does not interpret, such as
	// tusd's Storage or IsPartial. They are written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// sidecarFields has Sidecar's layout without its JSON methods.
type sidecarFields Sidecar

var sidecarKeys = []string{"id", "size", "offset", "metadata", "creation_date"}

// isSidecarKey matches keys the way encoding/json matches struct fields.
func isSidecarKey(key string) bool {
	for _, k := range sidecarKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func (s *Sidecar) UnmarshalJSON(data []byte) error {
	var known sidecarFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*s = Sidecar(known)
	s.Extra = nil
	for k, v := range all {
		if isSidecarKey(k) {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[k] = v
	}
	return nil
}

func (s Sidecar) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(sidecarFields(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if !isSidecarKey(k) {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// Complete reports whether every declared byte has been received.
// A deferred-length sidecar cannot be judged and counts as complete.
func (s *Sidecar) Complete() bool {
	if s.Size == nil {
		return true
	}
	return s.Offset >= *s.Size
}

// SetLength declares size and offset equal to n. A deferred-size flag
// carried over from tusd is cleared.
func (s *Sidecar) SetLength(n int64) {
	size := n
	s.Size = &size
	s.Offset = n
	for k := range s.Extra {
		if strings.EqualFold(k, "SizeIsDeferred") {
			s.Extra[k] = json.RawMessage("false")
		}
	}
}
