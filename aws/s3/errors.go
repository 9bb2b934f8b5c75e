package s3

import (
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
)

var transientCodes = map[string]struct{}{
	"RequestTimeout":     {},
	"InternalError":      {},
	"SlowDown":           {},
	"ServiceUnavailable": {},
	"BadDigest":          {}, // the upload was damaged in transit.
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		if _, ok := transientCodes[awsErr.Code()]; ok {
			return true
		}
	}
	return false
}

// wrapError maps SDK errors onto ErrKeyNotFound or a retryable stream.TransientStorageError.
func wrapError(op string, key string, err error) error {
	if isNotFound(err) {
		return ErrKeyNotFound
	}
	if IsTransient(err) {
		return &stream.TransientStorageError{Op: op, Key: key, Err: err}
	}
	return errors.Wrapf(err, "s3 %v %q", op, key)
}
