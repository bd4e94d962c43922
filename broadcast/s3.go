package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// S3Broadcaster publishes records to an S3 or S3-compatible bucket so
// observers outside the session's network can retrieve them after the fact.
type S3Broadcaster struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Broadcaster creates an S3 broadcaster. Credentials are optional for
// buckets writable through ambient AWS configuration.
func NewS3Broadcaster(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Broadcaster, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided, relying on ambient AWS configuration")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Broadcaster{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Publish implements interfaces.Broadcaster.
func (b *S3Broadcaster) Publish(ctx context.Context, kind string, id interfaces.Hash, data []byte) error {
	key := b.objectKey(kind, id)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("failed to publish record to S3: %w", err)
	}

	b.log.Debug("Published record to S3",
		slog.String("kind", kind),
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

// LocationURI implements interfaces.Broadcaster.
func (b *S3Broadcaster) LocationURI() string {
	return b.locationURI
}

// Available implements interfaces.Broadcaster by checking bucket access.
func (b *S3Broadcaster) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	return err == nil
}

func (b *S3Broadcaster) objectKey(kind string, id interfaces.Hash) string {
	return path.Join(b.prefix, kind, id.String())
}
