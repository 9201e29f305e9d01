package waymark

import (
	"errors"
	"testing"
)

func testWireRecord() Record {
	return Record{
		OwnerID:      "alice",
		RecordID:     "story-1",
		Kind:         KindStory,
		DateModified: 42,
		Payload: Payload{
			Title:       "Midsummer",
			Description: "Long walk along the shore",
			VisitDates:  []int64{1, 2, 3},
		},
	}
}

func TestWireCodec_Roundtrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "Plain"
		if compress {
			name = "Compressed"
		}
		t.Run(name, func(t *testing.T) {
			c := newWireCodec(compress, nil)
			in := testWireRecord()

			frame, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			var out Record
			if err := c.Decode(frame, &out); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !recordsEqual(in, out) {
				t.Errorf("roundtrip mismatch:\n in  = %+v\n out = %+v", in, out)
			}
		})
	}
}

func TestWireCodec_EncryptedRoundtrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	c := newWireCodec(true, enc)
	in := testWireRecord()

	frame, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[0]&frameFlagEncrypted == 0 || frame[0]&frameFlagCompressed == 0 {
		t.Fatalf("frame flags = %#x, want compressed and encrypted set", frame[0])
	}

	var out Record
	if err := c.Decode(frame, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !recordsEqual(in, out) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestWireCodec_CrossSettingsDecode(t *testing.T) {
	// A reader without compression enabled still decodes compressed frames:
	// the header says what was done to the payload.
	writer := newWireCodec(true, nil)
	reader := newWireCodec(false, nil)

	frame, err := writer.Encode(testWireRecord())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out Record
	if err := reader.Decode(frame, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestWireCodec_DecodeErrors(t *testing.T) {
	c := newWireCodec(false, nil)

	var out Record
	if err := c.Decode(nil, &out); !errors.Is(err, ErrSerialization) {
		t.Errorf("empty frame: got %v, want ErrSerialization", err)
	}

	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	frame, err := newWireCodec(false, enc).Encode(testWireRecord())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := c.Decode(frame, &out); !errors.Is(err, ErrSerialization) {
		t.Errorf("encrypted frame without key: got %v, want ErrSerialization", err)
	}
}
