package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
)

// DefaultBucket is where all Plectr blobs live.
const DefaultBucket = "plectr-blobs"

// S3Store talks to an S3-compatible endpoint (SeaweedFS in the default
// deployment) with path-style addressing and static throwaway credentials.
type S3Store struct {
	client *s3.S3
	bucket string
	logger *logrus.Entry
}

// NewS3Store builds the store against endpoint and ensures the bucket exists.
func NewS3Store(endpoint, bucket string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("us-east-1"),
		Credentials:      credentials.NewStaticCredentials("any", "any", ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}
	store := &S3Store{
		client: s3.New(sess),
		bucket: bucket,
		logger: logrus.WithField("subComponent", "blobstore"),
	}
	if err := store.ensureBucket(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *S3Store) ensureBucket() error {
	if _, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		s.logger.Info("Storage connected")
		return nil
	}
	if _, err := s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou || aerr.Code() == s3.ErrCodeBucketAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.WithField("bucket", s.bucket).Info("Created blob bucket")
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return api.WrapError(api.KindInternal, err, "failed to write blob %s", key)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, notFound(key)
		}
		return nil, api.WrapError(api.KindInternal, err, "failed to read blob %s", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to drain blob %s", key)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, api.WrapError(api.KindInternal, err, "failed to stat blob %s", key)
	}
	return true, nil
}
