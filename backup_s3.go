package waymark

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SnapshotFormatVersion is bumped when the snapshot layout changes.
const SnapshotFormatVersion = 1

// SnapshotConfig configures S3 snapshot backups of an owner's records.
type SnapshotConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"` // key prefix for all snapshots
	UsePathStyle    bool   `yaml:"use_path_style,omitempty"`

	// Compress enables snappy compression of snapshot objects.
	// Default: true
	Compress bool `yaml:"compress"`

	// Backoff governs retries of S3 operations.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultSnapshotConfig returns a snapshot configuration with sensible
// defaults.
func DefaultSnapshotConfig(bucket string) SnapshotConfig {
	return SnapshotConfig{
		Bucket:   bucket,
		Region:   "us-east-1",
		Prefix:   "waymark/",
		Compress: true,
		Backoff:  DefaultBackoffConfig(),
	}
}

// Snapshot is a point-in-time export of one owner's records, checkpoint
// and open conflicts.
type Snapshot struct {
	FormatVersion int             `json:"format_version"`
	OwnerID       string          `json:"owner_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	Records       []Record        `json:"records"`
	Checkpoint    *SyncCheckpoint `json:"checkpoint,omitempty"`
	Conflicts     []Conflict      `json:"conflicts,omitempty"`
}

// SnapshotStore writes and restores owner snapshots in S3.
type SnapshotStore struct {
	client  *s3.Client
	config  SnapshotConfig
	codec   *wireCodec
	backoff *BackoffPolicy
}

// NewSnapshotStore creates a snapshot store. An Encryptor may be passed to
// seal snapshot objects with the same key the local store uses; nil leaves
// them unencrypted.
func NewSnapshotStore(cfg SnapshotConfig, enc *Encryptor) (*SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, newSyncError(SyncErrorInvalidArgument, "snapshot bucket is required", RecordKey{}, ErrInvalidArgument)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &SnapshotStore{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		config:  cfg,
		codec:   newWireCodec(cfg.Compress, enc),
		backoff: NewBackoffPolicy(cfg.Backoff),
	}, nil
}

func (s *SnapshotStore) key(owner string, createdAt int64) string {
	return fmt.Sprintf("%s%s/%d.snap", s.config.Prefix, owner, createdAt)
}

// Export writes a snapshot of the owner's current records to S3 and
// returns the object key.
func (s *SnapshotStore) Export(ctx context.Context, store *Store, owner string) (string, error) {
	records, err := store.Scan(ctx, owner, "", nil)
	if err != nil {
		return "", err
	}
	conflicts, err := store.Conflicts(ctx, owner)
	if err != nil {
		return "", err
	}

	snap := Snapshot{
		FormatVersion: SnapshotFormatVersion,
		OwnerID:       owner,
		CreatedAt:     nowMillis(),
		Records:       records,
		Conflicts:     conflicts,
	}
	if cp, err := store.Checkpoint(ctx, owner); err == nil {
		snap.Checkpoint = &cp
		snap.DeviceID = cp.DeviceID
	}

	data, err := encodeSnapshot(s.codec, snap)
	if err != nil {
		return "", err
	}

	key := s.key(owner, snap.CreatedAt)
	err = s.do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// List returns the snapshot keys stored for an owner, oldest first.
func (s *SnapshotStore) List(ctx context.Context, owner string) ([]string, error) {
	prefix := s.config.Prefix + owner + "/"

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Fetch downloads and decodes one snapshot.
func (s *SnapshotStore) Fetch(ctx context.Context, key string) (Snapshot, error) {
	var data []byte
	err := s.do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(s.codec, data)
}

// Restore loads a snapshot into a store. Restored records are written as
// pending so the next reconciliation pushes them; the checkpoint is not
// restored, forcing a full replay from the remote.
func (s *SnapshotStore) Restore(ctx context.Context, store *Store, key string) (int, error) {
	snap, err := s.Fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	if snap.FormatVersion > SnapshotFormatVersion {
		return 0, newSyncError(SyncErrorSerialization,
			fmt.Sprintf("snapshot format v%d is newer than supported v%d", snap.FormatVersion, SnapshotFormatVersion),
			RecordKey{OwnerID: snap.OwnerID}, nil)
	}

	restored := 0
	for _, rec := range snap.Records {
		rec.PendingUpload = true
		rec.LastSyncTimestamp = 0
		if err := store.Put(ctx, rec); err != nil {
			return restored, err
		}
		restored++
	}
	for _, c := range snap.Conflicts {
		if err := store.PutConflict(ctx, c); err != nil {
			return restored, err
		}
	}
	return restored, nil
}

// Prune deletes the owner's snapshots older than maxAge and returns the
// deleted keys. The newest snapshot is always kept, whatever its age.
func (s *SnapshotStore) Prune(ctx context.Context, owner string, maxAge time.Duration) ([]string, error) {
	keys, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	stale := staleSnapshotKeys(keys, maxAge, time.Now())

	var deleted []string
	for _, key := range stale {
		err := s.do(ctx, func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.config.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("S3 delete object failed: %w", err)
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}

// staleSnapshotKeys picks the keys older than maxAge, sparing the newest.
// Keys whose age cannot be parsed are left alone.
func staleSnapshotKeys(keys []string, maxAge time.Duration, now time.Time) []string {
	if len(keys) <= 1 {
		return nil
	}
	var stale []string
	for _, key := range keys[:len(keys)-1] {
		age, err := SnapshotAge(key, now)
		if err != nil {
			continue
		}
		if age > maxAge {
			stale = append(stale, key)
		}
	}
	return stale
}

// do runs an S3 operation with the configured backoff.
func (s *SnapshotStore) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !s.backoff.ShouldRetry(lastErr, attempt) {
			return lastErr
		}
		select {
		case <-time.After(s.backoff.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func encodeSnapshot(codec *wireCodec, snap Snapshot) ([]byte, error) {
	return codec.Encode(snap)
}

func decodeSnapshot(codec *wireCodec, data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := codec.Decode(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.OwnerID == "" && len(snap.Records) == 0 {
		return Snapshot{}, newSyncError(SyncErrorSerialization, "empty snapshot", RecordKey{}, nil)
	}
	return snap, nil
}

// SnapshotAge parses the creation time out of a snapshot key.
func SnapshotAge(key string, now time.Time) (time.Duration, error) {
	base := key
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".snap")
	var ms int64
	if _, err := fmt.Sscanf(base, "%d", &ms); err != nil {
		return 0, newSyncError(SyncErrorInvalidArgument, "malformed snapshot key: "+key, RecordKey{}, ErrInvalidArgument)
	}
	return now.Sub(time.UnixMilli(ms)), nil
}
