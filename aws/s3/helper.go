package s3

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/relloyd/lakepipe/constants"
)

type AwsS3Bucket struct {
	Scheme   string
	Name     string `errorTxt:"bucket name" mandatory:"yes"`
	Prefix   string `errorTxt:"bucket prefix"`
	Region   string `errorTxt:"bucket region" mandatory:"yes"`
	Endpoint string
}

func (d AwsS3Bucket) String() string {
	if d.Prefix == "" {
		return fmt.Sprintf("%v://%v", d.Scheme, d.Name)
	}
	return fmt.Sprintf("%v://%v/%v", d.Scheme, d.Name, d.Prefix)
}

// ParseDSN expects bucketPrefix to be of the form [s3://]<bucket>/<prefix> or mem://<name>/<prefix>.
// It returns an AwsS3Bucket populated with the components of bucketPrefix and the supplied region.
// The region is only required for s3.
func ParseDSN(bucketPrefix string, region string) (retval AwsS3Bucket, err error) {
	if !strings.Contains(bucketPrefix, "://") {
		bucketPrefix = constants.ConnectionTypeS3 + "://" + bucketPrefix
	}
	u, err := url.Parse(bucketPrefix)
	if err != nil {
		return retval, fmt.Errorf("error parsing S3 URL: %v", err)
	}
	switch u.Scheme {
	case constants.ConnectionTypeS3:
		if region == "" {
			return retval, fmt.Errorf("value expected for bucket region")
		}
	case constants.ConnectionTypeMemory:
	default:
		return retval, fmt.Errorf("expected URL scheme %q or %q but got %q", constants.ConnectionTypeS3, constants.ConnectionTypeMemory, u.Scheme)
	}
	retval.Scheme = u.Scheme
	retval.Name = u.Host
	if retval.Name == "" {
		return retval, fmt.Errorf("DSN failed to parse bucket name")
	}
	retval.Prefix = strings.Trim(u.Path, "/")
	retval.Region = region
	return
}

var (
	memoryBucketsMu sync.Mutex
	memoryBuckets   = make(map[string]*MemoryClient)
)

// GetMemoryBucket returns the process-wide in-memory bucket with the given name, creating it if needed.
func GetMemoryBucket(name string) *MemoryClient {
	memoryBucketsMu.Lock()
	defer memoryBucketsMu.Unlock()
	m, ok := memoryBuckets[name]
	if !ok {
		m = NewMemoryClient()
		memoryBuckets[name] = m
	}
	return m
}

// OpenClient returns a Client for the bucket, scoped to its prefix.
func OpenClient(b AwsS3Bucket) (Client, error) {
	switch b.Scheme {
	case constants.ConnectionTypeMemory:
		return NewClientFromBasic(GetMemoryBucket(b.Name).WithPrefix(b.Prefix)), nil
	case constants.ConnectionTypeS3, "":
		return NewClient(b)
	}
	return nil, fmt.Errorf("unsupported object store scheme %q", b.Scheme)
}
