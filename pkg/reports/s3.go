package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the S3 API used by S3Archiver
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver writes reports to an S3 bucket
type S3Archiver struct {
	client S3Client
	bucket string
	prefix string
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver creates an archiver for bucket. prefix may be empty.
func NewS3Archiver(client S3Client, bucket, prefix string) (*S3Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("report bucket is required")
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Key returns the object key for report
func (a *S3Archiver) Key(report *Report) string {
	key := fmt.Sprintf("billing-runs/%s/%s.json", report.StartedAt.UTC().Format("2006/01/02"), report.RunID)
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

// Archive uploads report as JSON
func (a *S3Archiver) Archive(ctx context.Context, report *Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report has no run id")
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.Key(report)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(body))),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"run-id":  report.RunID,
			"success": fmt.Sprint(report.Success),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Ping checks that the bucket exists and is reachable with the configured
// credentials
func (a *S3Archiver) Ping(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("report bucket %s unavailable: %w", a.bucket, err)
	}
	return nil
}
