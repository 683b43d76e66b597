package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Compile-time assertion that S3 implements Store.
var _ Store = (*S3)(nil)

// S3 stores blobs in an S3 bucket under an optional key prefix. Multi-node
// deployments share artifacts this way.
type S3 struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 store using the default AWS credential chain.
func NewS3(bucket, region, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 session: %w", err)
	}
	return &S3{client: s3.New(sess), bucket: bucket, prefix: prefix}, nil
}

// NewS3WithClient creates an S3 store with an injected client, for tests.
func NewS3WithClient(client s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: s3 put %q: %w", key, err)
	}
	return key, nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("storage: s3 get %q: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %q: %w", ref, err)
	}
	return data, nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
