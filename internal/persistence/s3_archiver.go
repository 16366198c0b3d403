package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config locates an S3-compatible bucket (AWS, MinIO, R2, ...).
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3Archiver uploads every snapshot as <prefix><sequence>.json and can load
// the newest one back. Object keys are zero-padded so lexical order is
// sequence order.
type S3Archiver struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archiver builds the SDK client with static credentials and an
// optional custom endpoint.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archiver: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 archiver: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (a *S3Archiver) Name() string { return "s3" }

// SaveSnapshot uploads rec.Data.
func (a *S3Archiver) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	key := SnapshotObjectKey(a.prefix, rec.Sequence)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rec.Data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"state-hash": rec.StateHash,
			"sequence":   strconv.FormatInt(rec.Sequence, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 archiver: upload %s: %w", key, err)
	}
	return nil
}

// LoadLatestSnapshot lists the prefix and downloads the highest key.
func (a *S3Archiver) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var latest string
	var latestSeq int64 = -1

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: list %s: %w", a.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			seq, ok := ParseSnapshotObjectKey(a.prefix, key)
			if ok && seq > latestSeq {
				latest, latestSeq = key, seq
			}
		}
	}
	if latest == "" {
		return nil, nil
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(latest),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: get %s: %w", latest, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: read %s: %w", latest, err)
	}
	rec := &SnapshotRecord{
		Sequence:  latestSeq,
		StateHash: out.Metadata["state-hash"],
		Data:      data,
	}
	if out.LastModified != nil {
		rec.CreatedAt = *out.LastModified
	}
	return rec, nil
}

// Health checks that the bucket is reachable.
func (a *S3Archiver) Health(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("s3 archiver: head bucket %s: %w", a.bucket, err)
	}
	return nil
}

// SnapshotObjectKey is the object key for a sequence.
func SnapshotObjectKey(prefix string, sequence int64) string {
	return fmt.Sprintf("%s%020d.json", prefix, sequence)
}

// ParseSnapshotObjectKey is the inverse of SnapshotObjectKey.
func ParseSnapshotObjectKey(prefix, key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, ".json")
	if !ok || len(digits) != 20 {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// normaliseEndpoint adds a scheme when the endpoint has none.
func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
