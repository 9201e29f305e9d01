package waymark

import (
	"testing"
	"time"
)

func TestSnapshot_EncodeDecode(t *testing.T) {
	snap := Snapshot{
		FormatVersion: SnapshotFormatVersion,
		OwnerID:       "alice",
		DeviceID:      "dev-1",
		CreatedAt:     1700000000000,
		Records: []Record{
			testStoreRecord("f1"),
			testStoreRecord("f2"),
		},
		Checkpoint: &SyncCheckpoint{OwnerID: "alice", LastSyncTimestamp: 500, DeviceID: "dev-1", SyncVersion: 1},
	}

	for _, compress := range []bool{false, true} {
		codec := newWireCodec(compress, nil)
		data, err := encodeSnapshot(codec, snap)
		if err != nil {
			t.Fatalf("encodeSnapshot: %v", err)
		}

		got, err := decodeSnapshot(codec, data)
		if err != nil {
			t.Fatalf("decodeSnapshot: %v", err)
		}
		if got.OwnerID != "alice" || len(got.Records) != 2 {
			t.Errorf("decoded snapshot = %+v", got)
		}
		if !recordsEqual(got.Records[0], snap.Records[0]) {
			t.Errorf("record roundtrip mismatch")
		}
		if got.Checkpoint == nil || got.Checkpoint.LastSyncTimestamp != 500 {
			t.Errorf("checkpoint roundtrip mismatch: %+v", got.Checkpoint)
		}
	}
}

func TestSnapshot_EncryptedEncodeDecode(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	codec := newWireCodec(true, enc)

	snap := Snapshot{OwnerID: "alice", Records: []Record{testStoreRecord("f1")}}
	data, err := encodeSnapshot(codec, snap)
	if err != nil {
		t.Fatalf("encodeSnapshot: %v", err)
	}

	// Without the key the snapshot is unreadable.
	if _, err := decodeSnapshot(newWireCodec(true, nil), data); err == nil {
		t.Errorf("encrypted snapshot must not decode without the key")
	}

	got, err := decodeSnapshot(codec, data)
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	if len(got.Records) != 1 {
		t.Errorf("decoded %d records, want 1", len(got.Records))
	}
}

func TestDecodeSnapshot_Empty(t *testing.T) {
	codec := newWireCodec(false, nil)
	data, err := codec.Encode(Snapshot{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := decodeSnapshot(codec, data); err == nil {
		t.Errorf("empty snapshot must be rejected")
	}
}

func TestSnapshotAge(t *testing.T) {
	now := time.UnixMilli(2000)

	age, err := SnapshotAge("waymark/alice/1000.snap", now)
	if err != nil {
		t.Fatalf("SnapshotAge: %v", err)
	}
	if age != time.Second {
		t.Errorf("age = %v, want 1s", age)
	}

	if _, err := SnapshotAge("waymark/alice/latest.snap", now); err == nil {
		t.Errorf("malformed key must fail")
	}
}

func TestStaleSnapshotKeys(t *testing.T) {
	now := time.UnixMilli(10_000)
	keys := []string{
		"waymark/alice/1000.snap",
		"waymark/alice/5000.snap",
		"waymark/alice/broken.snap",
		"waymark/alice/9000.snap",
	}

	stale := staleSnapshotKeys(keys, 4*time.Second, now)
	if len(stale) != 1 || stale[0] != "waymark/alice/1000.snap" {
		t.Errorf("stale = %v, want only the 1000 snapshot", stale)
	}

	// The newest snapshot is spared even when it exceeds the age.
	stale = staleSnapshotKeys(keys, 0, now)
	for _, k := range stale {
		if k == "waymark/alice/9000.snap" {
			t.Errorf("the newest snapshot must never be pruned")
		}
	}
	if len(stale) != 2 {
		t.Errorf("stale = %v, want the two parseable older keys", stale)
	}

	if got := staleSnapshotKeys(keys[:1], 0, now); got != nil {
		t.Errorf("a single snapshot must never be pruned, got %v", got)
	}
}

func TestNewSnapshotStore_Validation(t *testing.T) {
	if _, err := NewSnapshotStore(SnapshotConfig{}, nil); err == nil {
		t.Errorf("missing bucket must fail")
	}
}
