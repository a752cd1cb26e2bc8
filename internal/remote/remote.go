// Package remote mirrors finished archives to S3-compatible storage and
// fetches them back for restore.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"pbak/internal/crypto"
	"pbak/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const archiveContentType = "text/html; charset=utf-8"

type ObjectInfo struct {
	Size   int64
	Blake3 string
}

type Backend interface {
	Upload(ctx context.Context, localPath, remoteName, checksumHash string) error
	Download(ctx context.Context, remoteName, localPath string) error
	Head(ctx context.Context, remoteName string) (*ObjectInfo, error)
	VerifyCredentials(ctx context.Context) error
}

type Options struct {
	Bucket           string
	Region           string
	Prefix           string
	Endpoint         string
	StorageClass     types.StorageClass
	MaxRetryAttempts int
	Logger           *slog.Logger
}

type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
	logger       *slog.Logger
}

func NewS3(ctx context.Context, opts Options) (*S3, error) {
	log := logging.OrDefault(opts.Logger)

	if opts.StorageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}
	if err := ValidateStorageClass(string(opts.StorageClass)); err != nil {
		return nil, err
	}

	configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.MaxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(opts.MaxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
		log.Debug("Configured S3 retry strategy", "mode", "standard", "maxAttempts", opts.MaxRetryAttempts)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if opts.Endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if opts.Endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
		log.Info("S3 client initialized with custom endpoint", "endpoint", opts.Endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	return &S3{
		client:       client,
		uploader:     uploader,
		bucket:       opts.Bucket,
		prefix:       opts.Prefix,
		storageClass: opts.StorageClass,
		logger:       log,
	}, nil
}

func (s *S3) key(name string) string {
	return path.Join(filepath.ToSlash(s.prefix), name)
}

func (s *S3) Download(ctx context.Context, remoteName, localPath string) error {
	key := s.key(remoteName)

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(s.client)
	numBytes, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}

	s.logger.Info("Downloaded from S3", "bucket", s.bucket, "key", key, "bytes", numBytes)
	return nil
}

func (s *S3) Upload(ctx context.Context, localPath, remoteName, checksumHash string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	key := s.key(remoteName)
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         file,
		ContentType:  aws.String(archiveContentType),
		StorageClass: s.storageClass,
		Metadata:     map[string]string{"blake3": checksumHash},
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Info("Uploaded to S3", "bucket", s.bucket, "key", key, "storageClass", s.storageClass)
	return nil
}

func (s *S3) Head(ctx context.Context, remoteName string) (*ObjectInfo, error) {
	key := s.key(remoteName)

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	info := &ObjectInfo{}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.Metadata != nil {
		info.Blake3 = output.Metadata["blake3"]
	}
	return info, nil
}

func (s *S3) VerifyCredentials(ctx context.Context) error {
	s.logger.Debug("Verifying AWS credentials and bucket access", "bucket", s.bucket)

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}
	return nil
}

// ValidateStorageClass rejects classes whose objects cannot be read back
// without a separate restore request.
func ValidateStorageClass(storageClass string) error {
	if storageClass == "GLACIER" || storageClass == "DEEP_ARCHIVE" {
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}

// Mirror uploads an archive under its base name with its BLAKE3 checksum
// recorded as object metadata.
func Mirror(ctx context.Context, b Backend, localPath string) error {
	hash, err := crypto.BLAKE3File(localPath)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", localPath, err)
	}
	return b.Upload(ctx, localPath, filepath.Base(localPath), hash)
}

// Fetch downloads remoteName to localPath and checks it against the
// checksum recorded at upload. A mismatching download is removed.
func Fetch(ctx context.Context, b Backend, remoteName, localPath string) error {
	info, err := b.Head(ctx, remoteName)
	if err != nil {
		return err
	}
	if err := b.Download(ctx, remoteName, localPath); err != nil {
		_ = os.Remove(localPath)
		return err
	}
	if info.Blake3 == "" {
		return nil
	}
	got, err := crypto.BLAKE3File(localPath)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", localPath, err)
	}
	if got != info.Blake3 {
		_ = os.Remove(localPath)
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remoteName, info.Blake3, got)
	}
	return nil
}
