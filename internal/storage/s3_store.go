package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gridflow/logger"
	"gridflow/models"
)

// S3Config holds the bucket settings for the S3 summary store.
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// S3Store uploads one JSON summary per terminated session, partitioned
// by symbol and day.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Store configures the AWS SDK and validates credentials. Static
// credentials from the config take precedence over the default chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("missing s3 bucket")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return &S3Store{
		client: s3.NewFromConfig(awsConfig),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    logger.GetLogger(),
	}, nil
}

func (s *S3Store) key(summary models.SessionSummary) string {
	day := summary.StoppedAt.UTC().Format("2006-01-02")
	name := summaryName(summary)
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s/%s", summary.Symbol, day, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.prefix, summary.Symbol, day, name)
}

func (s *S3Store) SaveSummary(ctx context.Context, summary models.SessionSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	key := s.key(summary)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("upload summary: %w", err)
	}

	s.log.WithComponent("storage").WithFields(logger.Fields{
		"bucket":  s.bucket,
		"key":     key,
		"session": summary.SessionID,
	}).Info("session summary uploaded")
	return nil
}
