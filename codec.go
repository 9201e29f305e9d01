package waymark

import (
	"encoding/json"

	"github.com/golang/snappy"
)

// wireCodec encodes values for transport and snapshot storage: JSON,
// optionally snappy-compressed, optionally sealed with an Encryptor.
// Frames are self-describing via a one-byte header so a reader can decode
// frames produced with different settings.
type wireCodec struct {
	compress bool
	enc      *Encryptor
}

const (
	frameFlagCompressed = 1 << 0
	frameFlagEncrypted  = 1 << 1
)

func newWireCodec(compress bool, enc *Encryptor) *wireCodec {
	return &wireCodec{compress: compress, enc: enc}
}

// Encode marshals v into a framed wire payload.
func (c *wireCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, newSyncError(SyncErrorSerialization, "failed to encode frame", RecordKey{}, err)
	}

	var flags byte
	if c.compress {
		data = snappy.Encode(nil, data)
		flags |= frameFlagCompressed
	}
	if c.enc != nil {
		data, err = c.enc.Encrypt(data)
		if err != nil {
			return nil, newSyncError(SyncErrorSerialization, "failed to encrypt frame", RecordKey{}, err)
		}
		flags |= frameFlagEncrypted
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, flags)
	return append(out, data...), nil
}

// Decode unmarshals a framed wire payload into v.
func (c *wireCodec) Decode(frame []byte, v any) error {
	if len(frame) < 1 {
		return newSyncError(SyncErrorSerialization, "frame too short", RecordKey{}, nil)
	}
	flags, data := frame[0], frame[1:]

	var err error
	if flags&frameFlagEncrypted != 0 {
		if c.enc == nil {
			return newSyncError(SyncErrorSerialization, "encrypted frame but no key configured", RecordKey{}, nil)
		}
		data, err = c.enc.Decrypt(data)
		if err != nil {
			return newSyncError(SyncErrorSerialization, "failed to decrypt frame", RecordKey{}, err)
		}
	}
	if flags&frameFlagCompressed != 0 {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return newSyncError(SyncErrorSerialization, "failed to decompress frame", RecordKey{}, err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return newSyncError(SyncErrorSerialization, "failed to decode frame", RecordKey{}, err)
	}
	return nil
}
