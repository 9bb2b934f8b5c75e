package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

func NewBasicClient(cfg AwsS3Bucket) (BasicClient, error) {
	awsConfig := aws.NewConfig()
	awsConfig.Region = aws.String(cfg.Region)
	if cfg.Endpoint != "" { // if we are talking to an S3 compatible store...
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "error creating AWS session")
	}
	return NewBasicClientWithAPI(cfg.Name, cfg.Prefix, s3.New(sess)), nil
}

func NewBasicClientWithAPI(bucket, prefix string, api s3iface.S3API) BasicClient {
	return &basicClient{
		bucket: bucket,
		prefix: prefix,
		api:    api,
	}
}

type basicClient struct {
	bucket string
	prefix string
	api    s3iface.S3API
}

func (s *basicClient) List(ctx context.Context, key string) ([]ObjectInfo, error) {
	infos := make([]ObjectInfo, 0, 1000)
	params := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int64(1000),
		Prefix:  aws.String(s.getKeyWithPrefix(key)),
	}
	err := s.api.ListObjectsV2PagesWithContext(ctx, params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, v := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:          s.trimPrefix(aws.StringValue(v.Key)),
				Size:         aws.Int64Value(v.Size),
				ETag:         trimETag(aws.StringValue(v.ETag)),
				LastModified: aws.TimeValue(v.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, wrapError("list", key, err)
	}
	return infos, nil
}

func (s *basicClient) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getKeyWithPrefix(key)),
	})
	if err != nil {
		return nil, wrapError("get", key, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, wrapError("get", key, err)
	}
	return data, nil
}

func (s *basicClient) Put(ctx context.Context, key string, data []byte, contentMD5 string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getKeyWithPrefix(key)),
		Body:   bytes.NewReader(data),
	}
	if contentMD5 != "" {
		raw, err := hex.DecodeString(contentMD5)
		if err != nil {
			return "", errors.Wrapf(err, "bad content MD5 %q", contentMD5)
		}
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	out, err := s.api.PutObjectWithContext(ctx, input)
	if err != nil {
		return "", wrapError("put", key, err)
	}
	return trimETag(aws.StringValue(out.ETag)), nil
}

func (s *basicClient) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getKeyWithPrefix(key)),
	})
	if err != nil {
		return nil, wrapError("head", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         trimETag(aws.StringValue(out.ETag)),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

func (s *basicClient) Copy(ctx context.Context, src, dst string) error {
	source := (&url.URL{Path: s.bucket + "/" + s.getKeyWithPrefix(src)}).EscapedPath()
	_, err := s.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.getKeyWithPrefix(dst)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return wrapError("copy", src, err)
	}
	return nil
}

func (s *basicClient) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.getKeyWithPrefix(key)),
	})
	if err != nil {
		return wrapError("delete", key, err)
	}
	return nil
}

func (s *basicClient) getKeyWithPrefix(key string) string {
	if s.prefix != "" {
		return strings.TrimRight(s.prefix, "/") + "/" + key // ensure trailing slash after prefix.
	}
	return key
}

func (s *basicClient) trimPrefix(key string) string {
	if s.prefix != "" {
		return strings.TrimPrefix(key, strings.TrimRight(s.prefix, "/")+"/")
	}
	return key
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// isNotFound reports whether err is an S3 missing key error. HEAD requests report "NotFound".
func isNotFound(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
