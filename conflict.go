package waymark

// ResolvePolicy selects how a conflict between a local and remote record
// version is resolved.
type ResolvePolicy string

const (
	// PolicyLocal keeps the local version; the caller re-pushes it to
	// overwrite the remote copy.
	PolicyLocal ResolvePolicy = "local"
	// PolicyRemote keeps the remote version; the caller overwrites the
	// local copy.
	PolicyRemote ResolvePolicy = "remote"
	// PolicyMerge reconciles field by field: set-valued fields are
	// unioned, "ever happened" flags are OR-ed, and freeform scalars come
	// from the side with the greater DateModified.
	PolicyMerge ResolvePolicy = "merge"
)

// Valid reports whether p is a known policy.
func (p ResolvePolicy) Valid() bool {
	return p == PolicyLocal || p == PolicyRemote || p == PolicyMerge
}

// Resolve computes the authoritative record from two conflicting versions.
// It is a pure function: neither input is mutated.
//
// Merge is commutative (Resolve(a, b) == Resolve(b, a)) and idempotent
// (re-merging an already-merged pair returns the same record). Ties at
// equal DateModified are broken per field by taking the greater value, so
// neither side is favored by argument order.
func Resolve(local, remote Record, policy ResolvePolicy) (Record, error) {
	if local.Key() != remote.Key() {
		return Record{}, newSyncError(SyncErrorInvalidArgument,
			"cannot resolve records with different identities", local.Key(), nil)
	}

	switch policy {
	case PolicyLocal:
		return local.Clone(), nil
	case PolicyRemote:
		return remote.Clone(), nil
	case PolicyMerge:
		return mergeRecords(local, remote), nil
	default:
		return Record{}, newSyncError(SyncErrorInvalidArgument,
			"unknown resolve policy "+string(policy), local.Key(), nil)
	}
}

func mergeRecords(a, b Record) Record {
	out := Record{
		OwnerID:           a.OwnerID,
		RecordID:          a.RecordID,
		Kind:              a.Kind,
		DateModified:      maxInt64(a.DateModified, b.DateModified),
		LastSyncTimestamp: maxInt64(a.LastSyncTimestamp, b.LastSyncTimestamp),
		PendingUpload:     true,
		Deleted:           a.Deleted || b.Deleted,
	}

	// The side with the greater DateModified supplies the freeform
	// scalars. At a tie, each scalar is picked independently by value so
	// the result does not depend on argument order.
	switch {
	case a.DateModified > b.DateModified:
		out.Payload = scalarFields(a.Payload)
	case b.DateModified > a.DateModified:
		out.Payload = scalarFields(b.Payload)
	default:
		out.Payload = Payload{
			Title:       maxString(a.Payload.Title, b.Payload.Title),
			Description: maxString(a.Payload.Description, b.Payload.Description),
			Color:       maxString(a.Payload.Color, b.Payload.Color),
			Latitude:    maxFloat64(a.Payload.Latitude, b.Payload.Latitude),
			Longitude:   maxFloat64(a.Payload.Longitude, b.Payload.Longitude),
		}
	}

	out.Payload.Done = a.Payload.Done || b.Payload.Done
	out.Payload.Visited = a.Payload.Visited || b.Payload.Visited
	out.Payload.VisitDates = unionInt64s(a.Payload.VisitDates, b.Payload.VisitDates)
	out.Payload.MemberIDs = unionStrings(a.Payload.MemberIDs, b.Payload.MemberIDs)
	out.Payload.Notes = mergeNotes(a, b)

	return out
}

func scalarFields(p Payload) Payload {
	return Payload{
		Title:       p.Title,
		Description: p.Description,
		Color:       p.Color,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	}
}

func mergeNotes(a, b Record) map[string]string {
	if len(a.Payload.Notes) == 0 && len(b.Payload.Notes) == 0 {
		return nil
	}

	merged := make(map[string]string, len(a.Payload.Notes)+len(b.Payload.Notes))
	for k, v := range a.Payload.Notes {
		merged[k] = v
	}
	for k, v := range b.Payload.Notes {
		existing, ok := merged[k]
		if !ok {
			merged[k] = v
			continue
		}
		switch {
		case b.DateModified > a.DateModified:
			merged[k] = v
		case b.DateModified == a.DateModified:
			merged[k] = maxString(existing, v)
		}
	}
	return merged
}

func unionInt64s(a, b []int64) []int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	return dedupInt64s(append(append([]int64{}, a...), b...))
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	return dedupStrings(append(append([]string{}, a...), b...))
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}
