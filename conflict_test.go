package waymark

import (
	"errors"
	"testing"
)

func testConflictPair() (Record, Record) {
	local := Record{
		OwnerID:           "alice",
		RecordID:          "feature-1",
		Kind:              KindFeature,
		DateModified:      20,
		LastSyncTimestamp: 10,
		PendingUpload:     true,
		Payload: Payload{
			Title:      "Lighthouse",
			Color:      "#ff0000",
			Visited:    true,
			VisitDates: []int64{100, 200},
			MemberIDs:  []string{"m1", "m3"},
			Notes:      map[string]string{"access": "by boat"},
		},
	}
	remote := Record{
		OwnerID:           "alice",
		RecordID:          "feature-1",
		Kind:              KindFeature,
		DateModified:      15,
		LastSyncTimestamp: 10,
		Payload: Payload{
			Title:      "Old Lighthouse",
			Color:      "#00ff00",
			Done:       true,
			VisitDates: []int64{200, 300},
			MemberIDs:  []string{"m2"},
			Notes:      map[string]string{"season": "summer"},
		},
	}
	return local, remote
}

func recordsEqual(a, b Record) bool {
	return a.OwnerID == b.OwnerID &&
		a.RecordID == b.RecordID &&
		a.Kind == b.Kind &&
		a.DateModified == b.DateModified &&
		a.LastSyncTimestamp == b.LastSyncTimestamp &&
		a.PendingUpload == b.PendingUpload &&
		a.Deleted == b.Deleted &&
		a.Payload.Equal(b.Payload)
}

func TestResolve_LocalAndRemotePolicies(t *testing.T) {
	local, remote := testConflictPair()

	got, err := Resolve(local, remote, PolicyLocal)
	if err != nil {
		t.Fatalf("Resolve(local): %v", err)
	}
	if !recordsEqual(got, local) {
		t.Errorf("PolicyLocal must return the local version unchanged")
	}

	got, err = Resolve(local, remote, PolicyRemote)
	if err != nil {
		t.Fatalf("Resolve(remote): %v", err)
	}
	if !recordsEqual(got, remote) {
		t.Errorf("PolicyRemote must return the remote version unchanged")
	}
}

func TestResolve_ReturnsCopies(t *testing.T) {
	local, remote := testConflictPair()

	got, err := Resolve(local, remote, PolicyLocal)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got.Payload.VisitDates[0] = 999
	got.Payload.Notes["access"] = "changed"

	if local.Payload.VisitDates[0] == 999 {
		t.Errorf("mutating the result must not leak into the input")
	}
	if local.Payload.Notes["access"] != "by boat" {
		t.Errorf("mutating the result notes must not leak into the input")
	}
}

func TestResolve_KeyMismatch(t *testing.T) {
	local, remote := testConflictPair()
	remote.RecordID = "feature-2"

	if _, err := Resolve(local, remote, PolicyMerge); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for mismatched identities, got %v", err)
	}
}

func TestResolve_UnknownPolicy(t *testing.T) {
	local, remote := testConflictPair()
	if _, err := Resolve(local, remote, ResolvePolicy("bogus")); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}

func TestMerge_FieldSemantics(t *testing.T) {
	local, remote := testConflictPair()

	got, err := Resolve(local, remote, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve(merge): %v", err)
	}

	if got.DateModified != 20 {
		t.Errorf("merged dateModified = %d, want max(20, 15) = 20", got.DateModified)
	}
	if !got.PendingUpload {
		t.Errorf("merged record must be pending so it gets pushed")
	}

	// Scalars come from the newer side (local, dateModified 20).
	if got.Payload.Title != "Lighthouse" {
		t.Errorf("merged title = %q, want the newer side's %q", got.Payload.Title, "Lighthouse")
	}
	if got.Payload.Color != "#ff0000" {
		t.Errorf("merged color = %q, want %q", got.Payload.Color, "#ff0000")
	}

	// Flags OR, lists union sorted and de-duplicated.
	if !got.Payload.Done || !got.Payload.Visited {
		t.Errorf("merged flags = done:%v visited:%v, want both true", got.Payload.Done, got.Payload.Visited)
	}
	wantDates := []int64{100, 200, 300}
	if len(got.Payload.VisitDates) != len(wantDates) {
		t.Fatalf("merged visitDates = %v, want %v", got.Payload.VisitDates, wantDates)
	}
	for i, d := range wantDates {
		if got.Payload.VisitDates[i] != d {
			t.Errorf("merged visitDates = %v, want %v", got.Payload.VisitDates, wantDates)
			break
		}
	}
	wantMembers := []string{"m1", "m2", "m3"}
	for i, m := range wantMembers {
		if got.Payload.MemberIDs[i] != m {
			t.Errorf("merged memberIDs = %v, want %v", got.Payload.MemberIDs, wantMembers)
			break
		}
	}

	// Notes merge per key.
	if got.Payload.Notes["access"] != "by boat" || got.Payload.Notes["season"] != "summer" {
		t.Errorf("merged notes = %v, want both keys present", got.Payload.Notes)
	}
}

func TestMerge_Commutative(t *testing.T) {
	local, remote := testConflictPair()

	ab, err := Resolve(local, remote, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve(a, b): %v", err)
	}
	ba, err := Resolve(remote, local, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve(b, a): %v", err)
	}
	if !recordsEqual(ab, ba) {
		t.Errorf("merge must be commutative:\n a,b = %+v\n b,a = %+v", ab, ba)
	}

	t.Run("TieOnDateModified", func(t *testing.T) {
		a, b := testConflictPair()
		b.DateModified = a.DateModified

		ab, _ := Resolve(a, b, PolicyMerge)
		ba, _ := Resolve(b, a, PolicyMerge)
		if !recordsEqual(ab, ba) {
			t.Errorf("tie-break must not depend on argument order:\n a,b = %+v\n b,a = %+v", ab, ba)
		}
	})
}

func TestMerge_Idempotent(t *testing.T) {
	local, remote := testConflictPair()

	merged, err := Resolve(local, remote, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	again, err := Resolve(merged, merged, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve(merged, merged): %v", err)
	}
	if !recordsEqual(merged, again) {
		t.Errorf("re-merging an already-merged pair must be a no-op:\n first  = %+v\n second = %+v", merged, again)
	}

	// Merging the merge result back against either input converges too.
	withRemote, err := Resolve(merged, remote, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve(merged, remote): %v", err)
	}
	if !recordsEqual(merged, withRemote) {
		t.Errorf("merging the result against an input must converge:\n merged = %+v\n again  = %+v", merged, withRemote)
	}
}

func TestMerge_DeletedWins(t *testing.T) {
	local, remote := testConflictPair()
	remote.Deleted = true

	got, err := Resolve(local, remote, PolicyMerge)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Deleted {
		t.Errorf("a deletion on either side must survive the merge")
	}
}
