package components

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/aws/s3"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/file"
	h "github.com/relloyd/lakepipe/helper"
	"github.com/relloyd/lakepipe/logger"
	s "github.com/relloyd/lakepipe/stats"
	"github.com/relloyd/lakepipe/stream"
	td "github.com/relloyd/lakepipe/table-definition"
)

// Partition load outcomes.
const (
	PartitionPromoted       = "promoted"
	PartitionAlreadyPresent = "already-present"
	PartitionSkipped        = "skipped"
)

// PartitionLocation describes where a batch was written.
type PartitionLocation struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
	Status string `json:"status"`
}

type LoaderConfig struct {
	Log              logger.Logger
	Name             string
	Client           s3.BasicClient
	Prefix           string // destination prefix inside the client's bucket.
	RunID            string
	ConflictPolicy   string // see constants.ConflictPolicy*
	MaxRetries       int
	RetryBackoffBase time.Duration
	StepWatcher      *s.StepWatcher
}

// Loader writes batches as Parquet partitions, staging each object before promoting it to its final key.
type Loader struct {
	cfg LoaderConfig
	mem memory.Allocator
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Log == nil || cfg.Client == nil {
		return nil, errors.New("loader requires a logger and an object store client")
	}
	if cfg.RunID == "" {
		return nil, errors.New("loader requires a run id")
	}
	switch cfg.ConflictPolicy {
	case "":
		cfg.ConflictPolicy = c.ConflictPolicyFail
	case c.ConflictPolicyFail, c.ConflictPolicySkip, c.ConflictPolicyReplace:
	default:
		return nil, fmt.Errorf("unsupported partition conflict policy %q", cfg.ConflictPolicy)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Log = cfg.Log.WithField("step", cfg.Name)
	return &Loader{cfg: cfg, mem: memory.NewGoAllocator()}, nil
}

var rePlainETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

// isRetryableStorageError reports errors worth another attempt.
func isRetryableStorageError(err error) bool {
	return stream.IsRetryable(err) || s3.IsTransient(err)
}

// sameContent reports whether the object described by info holds exactly pf.
// Multipart and KMS encrypted objects carry no usable MD5 in their ETag, so their content is fetched and hashed.
func (l *Loader) sameContent(ctx context.Context, info *s3.ObjectInfo, pf *file.ParquetFile) (bool, error) {
	if info.Size != pf.Size() {
		return false, nil
	}
	if rePlainETag.MatchString(info.ETag) {
		return info.ETag == pf.MD5, nil
	}
	data, err := l.cfg.Client.Get(ctx, info.Key)
	if err != nil {
		return false, err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]) == pf.MD5, nil
}

// Load writes batch as a Parquet partition named after its run, sequence and watermark range.
// Re-loading an identical batch finds the partition already present.
func (l *Loader) Load(ctx context.Context, batch *stream.Batch) (PartitionLocation, error) {
	rec := batch.Record
	if rec == nil {
		var err error
		if rec, err = td.BuildRecord(l.mem, batch.Schema, nil); err != nil {
			return PartitionLocation{}, err
		}
		defer rec.Release()
	}
	pf, err := file.EncodeParquet(rec)
	if err != nil {
		return PartitionLocation{}, errors.Wrapf(err, "error encoding batch %d", batch.Seq)
	}
	name := file.NewPartitionName(l.cfg.RunID, batch.Seq, batch.Range)
	stagingKey := file.StagingKey(l.cfg.Prefix, name)
	finalKey := file.FinalKey(l.cfg.Prefix, name)
	loc := PartitionLocation{Key: finalKey, Size: pf.Size(), ETag: pf.MD5}
	// Stage.
	attempts, err := h.RetryWithBackoff(ctx,
		h.RetryPolicy{MaxRetries: l.cfg.MaxRetries, BaseBackoff: l.cfg.RetryBackoffBase},
		isRetryableStorageError,
		func() error { return l.stage(ctx, stagingKey, pf) },
		func(err error, attempt int, wait time.Duration) {
			l.cfg.StepWatcher.AddRetry()
			l.cfg.Log.Warn("staging ", stagingKey, " failed on attempt ", attempt, ", retrying in ", wait, ": ", err)
		})
	if err != nil {
		if isRetryableStorageError(err) {
			return loc, &stream.LoadError{Key: stagingKey, Attempts: attempts, Err: err}
		}
		return loc, errors.Wrapf(err, "error staging %v", stagingKey)
	}
	// Check for an existing partition.
	existing, err := l.cfg.Client.Head(ctx, finalKey)
	same := false
	if err == nil {
		existing.Key = finalKey
		same, err = l.sameContent(ctx, existing, pf)
	}
	switch {
	case errors.Is(err, s3.ErrKeyNotFound):
	case err != nil:
		return loc, errors.Wrapf(err, "error checking %v", finalKey)
	case same:
		l.cfg.Log.Info("partition ", finalKey, " is already present")
		l.deleteStaged(ctx, stagingKey)
		loc.Status = PartitionAlreadyPresent
		l.cfg.StepWatcher.AddBatch(batch.NumRows())
		return loc, nil
	default:
		switch l.cfg.ConflictPolicy {
		case c.ConflictPolicySkip:
			l.cfg.Log.Warn("partition ", finalKey, " exists with different content; keeping the existing object")
			l.deleteStaged(ctx, stagingKey)
			loc.Size, loc.ETag, loc.Status = existing.Size, existing.ETag, PartitionSkipped
			return loc, nil
		case c.ConflictPolicyReplace:
			l.cfg.Log.Warn("partition ", finalKey, " exists with different content; replacing it")
		default:
			return loc, &stream.PartitionConflictError{Key: finalKey, ExistingETag: existing.ETag, NewETag: pf.MD5}
		}
	}
	// Promote.
	if err = l.cfg.Client.Copy(ctx, stagingKey, finalKey); err != nil {
		return loc, errors.Wrapf(err, "error promoting %v to %v", stagingKey, finalKey)
	}
	if err = l.verify(ctx, finalKey, pf); err != nil {
		return loc, err
	}
	l.deleteStaged(ctx, stagingKey)
	loc.Status = PartitionPromoted
	l.cfg.StepWatcher.AddBatch(batch.NumRows())
	l.cfg.Log.Info("loaded ", batch, " to ", finalKey, " (", pf.Size(), " bytes)")
	return loc, nil
}

// stage uploads pf to key and checks what was stored.
func (l *Loader) stage(ctx context.Context, key string, pf *file.ParquetFile) error {
	if _, err := l.cfg.Client.Put(ctx, key, pf.Data, pf.MD5); err != nil {
		return err
	}
	return l.verify(ctx, key, pf)
}

// verify compares the stored object at key with pf.
func (l *Loader) verify(ctx context.Context, key string, pf *file.ParquetFile) error {
	info, err := l.cfg.Client.Head(ctx, key)
	if err != nil {
		if errors.Is(err, s3.ErrKeyNotFound) {
			return &stream.TransientStorageError{Op: "head", Key: key, Err: err}
		}
		return err
	}
	info.Key = key
	same, err := l.sameContent(ctx, info, pf)
	if errors.Is(err, s3.ErrKeyNotFound) {
		return &stream.TransientStorageError{Op: "get", Key: key, Err: err}
	}
	if err != nil {
		return err
	}
	if !same {
		return &stream.TransientStorageError{
			Op:  "verify",
			Key: key,
			Err: fmt.Errorf("stored object has size %d etag %v, expected size %d etag %v", info.Size, info.ETag, pf.Size(), pf.MD5),
		}
	}
	return nil
}

// deleteStaged removes a staged object, logging failures.
func (l *Loader) deleteStaged(ctx context.Context, key string) {
	if err := l.cfg.Client.Delete(ctx, key); err != nil {
		l.cfg.Log.Warn("unable to delete staged object ", key, ": ", err)
	}
}
