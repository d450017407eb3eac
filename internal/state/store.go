// Package state persists in-flight transfer progress so an interrupted
// download can resume without re-fetching completed chunks.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/transfer"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

const keyPrefix = "transfers/"

var ErrInvalidRecord = errors.New("invalid transfer record")

// Key identifies one resume record. SourceURL is the URL the caller
// enqueued, never a presigned or redirected form of it.
type Key struct {
	ItemID    int64
	SourceURL string
}

func KeyOf(p *transfer.TransferProgress) Key {
	return Key{ItemID: p.ItemID, SourceURL: p.SourceURL}
}

func (k Key) objectName() string {
	sum := sha256.Sum256([]byte(k.SourceURL))
	return fmt.Sprintf("%s%d-%s.json", keyPrefix, k.ItemID, hex.EncodeToString(sum[:8]))
}

// Store reads and writes TransferProgress records as JSON objects in a
// blob bucket. Writes go through the bucket writer, which only commits the
// object on a successful Close, so a failed write leaves the previous
// record in place.
type Store struct {
	bucket *blob.Bucket
	now    func() time.Time
}

func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket, now: time.Now}
}

// Open opens a store from a bucket URL such as "mem://" or
// "file:///var/lib/mediaq/state".
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("state: open bucket: %w", err)
	}
	return New(bucket), nil
}

// OpenDir opens a file-backed store rooted at dir, creating it if needed.
func OpenDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("state: open dir: %w", err)
	}
	return New(bucket), nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

// Load returns the last saved record for key, or nil when there is none.
func (s *Store) Load(ctx context.Context, key Key) (*transfer.TransferProgress, error) {
	data, err := s.bucket.ReadAll(ctx, key.objectName())
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read record: %w", err)
	}
	var p transfer.TransferProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if p.ItemID != key.ItemID || p.SourceURL != key.SourceURL {
		return nil, fmt.Errorf("%w: record belongs to item %d", ErrInvalidRecord, p.ItemID)
	}
	return &p, nil
}

// Save replaces the record for p's key.
func (s *Store) Save(ctx context.Context, p *transfer.TransferProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("state: marshal record: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, KeyOf(p).objectName(), data, opts); err != nil {
		return fmt.Errorf("state: write record: %w", err)
	}
	log.Debug().Str("op", "state/store").Int64("item", p.ItemID).Int64("downloaded", p.DownloadedBytes).Msg("checkpoint saved")
	return nil
}

// Touch returns a copy of p with UpdatedAt set to now.
func (s *Store) Touch(p *transfer.TransferProgress) *transfer.TransferProgress {
	cp := p.Clone()
	cp.UpdatedAt = s.now()
	return cp
}

// Delete drops the record for key. A missing record is not an error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := s.bucket.Delete(ctx, key.objectName()); err != nil && !isNotExist(err) {
		return fmt.Errorf("state: delete record: %w", err)
	}
	return nil
}

// List returns every stored record. Unreadable records are skipped.
func (s *Store) List(ctx context.Context) ([]*transfer.TransferProgress, error) {
	var records []*transfer.TransferProgress
	iter := s.bucket.List(&blob.ListOptions{Prefix: keyPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("state: list records: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		itemID, ok := itemIDFromName(obj.Key)
		if !ok {
			continue
		}
		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			log.Warn().Str("op", "state/store").Str("key", obj.Key).Err(err).Msg("skipping unreadable record")
			continue
		}
		var p transfer.TransferProgress
		if err := json.Unmarshal(data, &p); err != nil || p.ItemID != itemID {
			log.Warn().Str("op", "state/store").Str("key", obj.Key).Msg("skipping malformed record")
			continue
		}
		records = append(records, &p)
	}
	return records, nil
}

func itemIDFromName(name string) (int64, bool) {
	name = strings.TrimPrefix(name, keyPrefix)
	idx := strings.IndexByte(name, '-')
	if idx <= 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(name[:idx], 10, 64)
	return id, err == nil
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
