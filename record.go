package waymark

import (
	"fmt"
	"sort"
)

// RecordKind identifies the type of a synchronized record.
type RecordKind string

const (
	// KindFeature is a bookmarked geographic feature.
	KindFeature RecordKind = "feature"
	// KindStory is a narrative entry attached to a place or trip.
	KindStory RecordKind = "story"
	// KindList is a to-do marker list.
	KindList RecordKind = "list"
	// KindCategory is a user-defined grouping of records.
	KindCategory RecordKind = "category"
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindFeature, KindStory, KindList, KindCategory:
		return true
	}
	return false
}

// Payload is the user-visible content of a record. It is a typed, acyclic
// value so cloning is structural and cheap.
type Payload struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Color       string            `json:"color,omitempty"`
	Latitude    float64           `json:"latitude,omitempty"`
	Longitude   float64           `json:"longitude,omitempty"`
	Done        bool              `json:"done,omitempty"`
	Visited     bool              `json:"visited,omitempty"`
	VisitDates  []int64           `json:"visit_dates,omitempty"`
	MemberIDs   []string          `json:"member_ids,omitempty"`
	Notes       map[string]string `json:"notes,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	if p.VisitDates != nil {
		out.VisitDates = make([]int64, len(p.VisitDates))
		copy(out.VisitDates, p.VisitDates)
	}
	if p.MemberIDs != nil {
		out.MemberIDs = make([]string, len(p.MemberIDs))
		copy(out.MemberIDs, p.MemberIDs)
	}
	if p.Notes != nil {
		out.Notes = make(map[string]string, len(p.Notes))
		for k, v := range p.Notes {
			out.Notes[k] = v
		}
	}
	return out
}

// Equal reports whether two payloads carry identical content.
func (p Payload) Equal(other Payload) bool {
	if p.Title != other.Title || p.Description != other.Description ||
		p.Color != other.Color || p.Latitude != other.Latitude ||
		p.Longitude != other.Longitude || p.Done != other.Done ||
		p.Visited != other.Visited {
		return false
	}
	if len(p.VisitDates) != len(other.VisitDates) {
		return false
	}
	for i, v := range p.VisitDates {
		if other.VisitDates[i] != v {
			return false
		}
	}
	if len(p.MemberIDs) != len(other.MemberIDs) {
		return false
	}
	for i, v := range p.MemberIDs {
		if other.MemberIDs[i] != v {
			return false
		}
	}
	if len(p.Notes) != len(other.Notes) {
		return false
	}
	for k, v := range p.Notes {
		if other.Notes[k] != v {
			return false
		}
	}
	return true
}

// Normalize sorts and de-duplicates the set-valued fields in place.
func (p *Payload) Normalize() {
	p.VisitDates = dedupInt64s(p.VisitDates)
	p.MemberIDs = dedupStrings(p.MemberIDs)
}

// RecordKey is the identity of a record: (owner, kind, id).
type RecordKey struct {
	OwnerID  string
	Kind     RecordKind
	RecordID string
}

// String returns the canonical owner/kind/id form of the key.
func (k RecordKey) String() string {
	return k.OwnerID + "/" + string(k.Kind) + "/" + k.RecordID
}

// Record is a versioned, owner-scoped unit of synchronization.
//
// DateModified is non-decreasing across local mutations of the same record.
// LastSyncTimestamp is 0 until the record has been reconciled with the
// remote store at least once. PendingUpload marks a local mutation whose
// upload has not been confirmed. Deleted marks a tombstone awaiting
// propagation; tombstones are removed locally once the delete has been
// pushed.
type Record struct {
	OwnerID           string     `json:"owner_id"`
	RecordID          string     `json:"record_id"`
	Kind              RecordKind `json:"kind"`
	Payload           Payload    `json:"payload"`
	DateModified      int64      `json:"date_modified"`
	LastSyncTimestamp int64      `json:"last_sync_timestamp"`
	PendingUpload     bool       `json:"pending_upload"`
	Deleted           bool       `json:"deleted,omitempty"`
}

// Key returns the record's identity.
func (r Record) Key() RecordKey {
	return RecordKey{OwnerID: r.OwnerID, Kind: r.Kind, RecordID: r.RecordID}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Payload = r.Payload.Clone()
	return out
}

// Validate checks the identity fields of the record.
func (r Record) Validate() error {
	if r.OwnerID == "" {
		return &SyncError{Type: SyncErrorInvalidArgument, Message: "record owner id is empty"}
	}
	if r.RecordID == "" {
		return &SyncError{Type: SyncErrorInvalidArgument, Message: "record id is empty"}
	}
	if !r.Kind.Valid() {
		return &SyncError{Type: SyncErrorInvalidArgument, Message: fmt.Sprintf("unknown record kind %q", r.Kind)}
	}
	return nil
}

// SyncCheckpoint bounds remote subscription queries for one owner.
// It is created on the first successful sync and advanced after each
// reconciliation pass.
type SyncCheckpoint struct {
	OwnerID           string `json:"owner_id"`
	LastSyncTimestamp int64  `json:"last_sync_timestamp"`
	DeviceID          string `json:"device_id"`
	SyncVersion       int    `json:"sync_version"`
}

// Conflict records a divergence where both the local and remote copy of a
// record advanced past the last common checkpoint with different payloads.
// It persists until resolved with an explicit policy.
type Conflict struct {
	ID         string     `json:"id"`
	Kind       RecordKind `json:"kind"`
	Local      Record     `json:"local"`
	Remote     Record     `json:"remote"`
	DetectedAt int64      `json:"detected_at"`
}

// ConflictID returns the stable conflict identifier for a record key.
// Re-detecting a conflict for the same record replaces the previous entry.
func ConflictID(key RecordKey) string {
	return key.String()
}

func dedupInt64s(in []int64) []int64 {
	if len(in) == 0 {
		return in
	}
	out := make([]int64, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
