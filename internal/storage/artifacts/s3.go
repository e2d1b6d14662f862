package artifacts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/interfaces"
)

// objectAPI is the part of the S3 client the store uses
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads archives to a bucket and returns presigned GET links
type S3Store struct {
	client  objectAPI
	presign *s3.PresignClient
	bucket  string
	logger  arbor.ILogger
}

var _ interfaces.ArtifactStore = (*S3Store)(nil)

// NewS3Store loads the AWS configuration and builds the client. Static keys are used when
// set, otherwise the default credential chain applies. A custom endpoint enables
// S3-compatible servers.
func NewS3Store(ctx context.Context, cfg common.ArtifactsConfig, logger arbor.ILogger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts.bucket is required for the s3 store")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 artifact store configured")

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger,
	}, nil
}

// Put uploads localPath under key and presigns a GET valid for ttl
func (s *S3Store) Put(ctx context.Context, key, localPath string, ttl time.Duration) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}

	s.logger.Debug().Str("bucket", s.bucket).Str("key", key).Int64("bytes", info.Size()).Msg("Artifact uploaded")
	return req.URL, nil
}

// New builds the store selected by artifacts.type
func New(ctx context.Context, cfg common.ArtifactsConfig, logger arbor.ILogger) (interfaces.ArtifactStore, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, cfg.LocalBaseURL, logger)
	case "s3":
		return NewS3Store(ctx, cfg, logger)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown artifacts type %q", cfg.Type)
	}
}
