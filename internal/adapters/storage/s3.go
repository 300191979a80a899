package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/core"
)

const DefaultSignedTTL = 600 * time.Second

type S3Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint selects an S3 compatible server, path-style addressed.
	Endpoint  string
	SignedTTL time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3 struct {
	cfg     S3Config
	put     objectPutter
	presign getPresigner
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(cfg, client, s3.NewPresignClient(client)), nil
}

func newS3(cfg S3Config, put objectPutter, presign getPresigner) *S3 {
	if cfg.SignedTTL <= 0 {
		cfg.SignedTTL = DefaultSignedTTL
	}
	return &S3{cfg: cfg, put: put, presign: presign}
}

func (s *S3) Store(ctx context.Context, data []byte, key string, meta map[string]string) (core.StoredObject, error) {
	_, err := s.put.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
		Metadata:      meta,
	})
	if err != nil {
		return core.StoredObject{}, errors.Wrapf(err, "put s3://%s/%s", s.cfg.Bucket, key)
	}
	signed, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.SignedTTL))
	if err != nil {
		return core.StoredObject{}, errors.Wrapf(err, "presign %s", key)
	}
	log.Info().Str("module", "storage.s3").Str("bucket", s.cfg.Bucket).Str("key", key).Int("size", len(data)).Msg("stored")
	return core.StoredObject{
		Key:       key,
		Size:      int64(len(data)),
		URL:       s.publicURL(key),
		SignedURL: signed.URL,
	}, nil
}

func (s *S3) publicURL(key string) string {
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".webm"):
		return "video/webm"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	}
	return "application/octet-stream"
}
