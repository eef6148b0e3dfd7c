package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

type s3Store struct {
	client *s3.Client
	bucket string
	logger observability.Logger
}

func newS3Store(region, bucket string, creds config.S3Config, logger observability.Logger) (ObjectStore, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &s3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		logger: logger.WithFields(map[string]interface{}{
			"store":  "s3",
			"region": region,
			"bucket": bucket,
		}),
	}, nil
}

func (s *s3Store) Head(ctx context.Context, path string) (ObjectMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectMeta{}, fmt.Errorf("%s: %w", path, ErrObjectNotFound)
		}
		return ObjectMeta{}, fmt.Errorf("head object %s: %w", path, err)
	}

	return ObjectMeta{
		Path:         path,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *s3Store) Open(ctx context.Context, path string, _ ObjectMeta) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}

	s.logger.Debug("opened log file", "path", path)
	return out.Body, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
