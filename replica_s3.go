package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/avast/retry-go/v4"
)

// s3Client is the subset of the AWS SDK's S3 client this backend
// needs, grounded on the objStore interface in
// transparency-dev-trillian-tessera/storage/aws/aws.go.
type s3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Replica is an object-store Replica backend (§4.9). It stores each
// slot's versioned objects under a bucket/prefix and retries
// transient I/O errors, in the manner of tessera's AWS storage
// implementation.
type S3Replica struct {
	mu      sync.Mutex
	client  s3Client
	bucket  string
	prefix  string
	latest  map[slotKey]int64
	history map[slotKey][]slotVersionRecord
	globalV int64
}

const s3HistoryObject = "_history.json"

// NewS3Replica builds an S3-backed replica for bucket/prefix using
// the ambient AWS config (environment, shared config file, or IAM
// role), rebuilding its version table from existing objects.
func NewS3Replica(ctx context.Context, bucket, prefix string) (*S3Replica, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	sr := &S3Replica{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		prefix:  prefix,
		latest:  make(map[slotKey]int64),
		history: make(map[slotKey][]slotVersionRecord),
	}
	if err := sr.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	if err := sr.loadHistory(ctx); err != nil {
		return nil, err
	}
	return sr, nil
}

// loadHistory fetches the persisted per-slot version history object,
// tolerating its absence (a replica with no Puts yet, or one written
// before this field existed).
func (sr *S3Replica) loadHistory(ctx context.Context) error {
	var out *s3.GetObjectOutput
	err := retry.Do(func() error {
		var err error
		out, err = sr.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(sr.bucket),
			Key:    aws.String(sr.objectKey(s3HistoryObject)),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(100*time.Millisecond), retry.RetryIf(func(err error) bool {
		return !isS3NotFound(err)
	}))
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return err
	}
	var records []historyFile
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		key := slotKey{r.Level, r.Run, r.Ext}
		sr.history[key] = append(sr.history[key], slotVersionRecord{AsOf: r.AsOf, Version: r.Version})
		// Every level-0 .run Put records the global version it produced,
		// so the largest AsOf is the global version at the last Put.
		if r.AsOf > sr.globalV {
			sr.globalV = r.AsOf
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

// appendHistory records that key's slot became version as of the
// current global version, then persists the full history table.
// Caller holds sr.mu.
func (sr *S3Replica) appendHistory(ctx context.Context, key slotKey, version int64) error {
	sr.history[key] = append(sr.history[key], slotVersionRecord{AsOf: sr.globalV, Version: version})

	var records []historyFile
	for k, recs := range sr.history {
		for _, r := range recs {
			records = append(records, historyFile{Level: k.Level, Run: k.Run, Ext: k.Ext, AsOf: r.AsOf, Version: r.Version})
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return retry.Do(func() error {
		_, err := sr.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(sr.bucket),
			Key:    aws.String(sr.objectKey(s3HistoryObject)),
			Body:   bytes.NewReader(data),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(100*time.Millisecond))
}

func (sr *S3Replica) rebuildIndex(ctx context.Context) error {
	var token *string
	for {
		out, err := sr.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(sr.bucket),
			Prefix:            aws.String(sr.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			name := (*obj.Key)[len(sr.prefix):]
			level, run, ext, version, ok := parseRemoteName(name)
			if !ok {
				continue
			}
			key := slotKey{level, run, ext}
			if version >= sr.latest[key] {
				sr.latest[key] = version
			}
			if ext == "run" && level == 0 && version > sr.globalV {
				sr.globalV = version
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

func (sr *S3Replica) objectKey(name string) string {
	return sr.prefix + name
}

func (sr *S3Replica) Put(ctx context.Context, localDir, filename string) (int64, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	level, run, ext, ok := parseLocalName(filename)
	if !ok {
		return 0, ErrCorrupt
	}
	data, err := os.ReadFile(filepath.Join(localDir, filename))
	if err != nil {
		return 0, err
	}

	key := slotKey{level, run, ext}
	version := int64(0)
	if prev, seen := sr.latest[key]; seen {
		version = prev + 1
	}
	objKey := sr.objectKey(remoteName(level, run, ext, version))

	err = retry.Do(func() error {
		_, err := sr.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(sr.bucket),
			Key:    aws.String(objKey),
			Body:   bytes.NewReader(data),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(100*time.Millisecond))
	if err != nil {
		return 0, err
	}

	sr.latest[key] = version
	if ext == "run" && level == 0 {
		sr.globalV++
	}
	if err := sr.appendHistory(ctx, key, version); err != nil {
		return 0, err
	}
	return sr.globalV, nil
}

func (sr *S3Replica) Get(ctx context.Context, localDir, filename string, version int64) error {
	level, run, ext, ok := parseLocalName(filename)
	if !ok {
		return ErrCorrupt
	}
	if version < 0 {
		sr.mu.Lock()
		latest, seen := sr.latest[slotKey{level, run, ext}]
		sr.mu.Unlock()
		if !seen {
			return ErrReplicaMissing
		}
		version = latest
	}
	objKey := sr.objectKey(remoteName(level, run, ext, version))

	var out *s3.GetObjectOutput
	err := retry.Do(func() error {
		var err error
		out, err = sr.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(sr.bucket),
			Key:    aws.String(objKey),
		})
		return err
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(100*time.Millisecond), retry.RetryIf(func(err error) bool {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return false
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
			return false
		}
		return true
	}))
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return ErrReplicaMissing
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
			return ErrReplicaMissing
		}
		return err
	}
	defer out.Body.Close()

	dst := filepath.Join(localDir, filename)
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (sr *S3Replica) Destroy(ctx context.Context) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var token *string
	for {
		out, err := sr.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(sr.bucket),
			Prefix:            aws.String(sr.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if _, err := sr.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(sr.bucket),
				Key:    obj.Key,
			}); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sr.latest = make(map[slotKey]int64)
	sr.history = make(map[slotKey][]slotVersionRecord)
	sr.globalV = 0
	return nil
}

func (sr *S3Replica) GC(ctx context.Context) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var token *string
	var names []string
	for {
		out, err := sr.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(sr.bucket),
			Prefix:            aws.String(sr.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			names = append(names, *obj.Key)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	for _, objKey := range names {
		name := objKey[len(sr.prefix):]
		level, run, ext, version, ok := parseRemoteName(name)
		if !ok {
			continue
		}
		if version != sr.latest[slotKey{level, run, ext}] {
			sr.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(sr.bucket), Key: aws.String(objKey)})
		}
	}
	return nil
}

func (sr *S3Replica) GlobalVersion() int64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.globalV
}

func (sr *S3Replica) LatestSlotVersion(level, run int, ext string) (int64, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	v, ok := sr.latest[slotKey{level, run, ext}]
	return v, ok
}

// SlotVersionAsOf returns the slot version whose recorded AsOf is the
// largest one not after asOf (§4.9): the version that was newest for
// this slot at the moment the global version last reached asOf.
func (sr *S3Replica) SlotVersionAsOf(level, run int, ext string, asOf int64) (int64, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	recs := sr.history[slotKey{level, run, ext}]
	version, found := int64(0), false
	for _, r := range recs {
		if r.AsOf <= asOf {
			version, found = r.Version, true
		}
	}
	return version, found
}

func (sr *S3Replica) Slots() []slotKey {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	slots := make([]slotKey, 0, len(sr.latest))
	for k := range sr.latest {
		slots = append(slots, k)
	}
	return slots
}
