package output

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/vietddude/harvester/internal/core/domain"
)

type S3Option func(*S3Sink)

func WithRegion(region string) S3Option {
	return func(s *S3Sink) {
		s.Region = region
	}
}

func WithBucket(bucket string) S3Option {
	return func(s *S3Sink) {
		s.Bucket = bucket
	}
}

func WithPrefix(prefix string) S3Option {
	return func(s *S3Sink) {
		s.Prefix = prefix
	}
}

func WithEndpoint(endpoint string) S3Option {
	return func(s *S3Sink) {
		s.Endpoint = endpoint
	}
}

func WithForcePathStyle(forcePathStyle bool) S3Option {
	return func(s *S3Sink) {
		s.ForcePathStyle = forcePathStyle
	}
}

func WithS3Logger(logger *slog.Logger) S3Option {
	return func(s *S3Sink) {
		s.logger = logger
	}
}

// WithUploader replaces the AWS uploader, mainly for tests.
func WithUploader(u s3manageriface.UploaderAPI) S3Option {
	return func(s *S3Sink) {
		s.uploader = u
	}
}

// S3Sink uploads CSV artifacts to a bucket.
type S3Sink struct {
	logger   *slog.Logger
	uploader s3manageriface.UploaderAPI

	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	ForcePathStyle bool
}

func NewS3Sink(opts ...S3Option) (*S3Sink, error) {
	s := &S3Sink{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.Bucket == "" {
		return nil, fmt.Errorf("s3 sink: bucket is required")
	}
	if s.uploader != nil {
		return s, nil
	}

	awsConfig := &aws.Config{
		Region:           aws.String(s.Region),
		S3ForcePathStyle: aws.Bool(s.ForcePathStyle),
	}
	if s.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	s.uploader = s3manager.NewUploader(sess)
	return s, nil
}

// ObjectKey returns the full object key for an artifact.
func (s *S3Sink) ObjectKey(a *domain.Artifact) string {
	return path.Join(s.Prefix, Key(a))
}

func (s *S3Sink) Write(ctx context.Context, a *domain.Artifact) error {
	data, err := EncodeCSV(a)
	if err != nil {
		return err
	}

	key := s.ObjectKey(a)
	meta := map[string]*string{
		"source":   aws.String(a.SourceID),
		"run-id":   aws.String(a.RunID),
		"status":   aws.String(string(a.Status)),
		"records":  aws.String(strconv.Itoa(len(a.Records))),
		"partial":  aws.String(strconv.FormatBool(a.Partial)),
		"fallback": aws.String(strconv.FormatBool(a.Fallback)),
	}
	if a.Fallback {
		meta["fallback-from"] = aws.String(a.FallbackFrom)
	}

	s.logger.Debug("S3 artifact write",
		"source", a.SourceID,
		"bucket", s.Bucket,
		"key", key,
	)

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
