package storage

import (
	"context"
	"fmt"
	"os"

	"notebook-bridge/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client kapselt die PDF-Ablage im Strato HiDrive S3.
type S3Client struct {
	client *s3.Client
	cfg    *config.Config
}

// NewS3Client erstellt einen S3-Client für Strato HiDrive.
func NewS3Client(cfg *config.Config) (*S3Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.StratoS3URL,
				SigningRegion:     cfg.StratoS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.StratoS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.StratoS3Key, cfg.StratoS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return &S3Client{client: s3.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// UploadFile lädt eine lokale Datei ins S3 hoch und gibt den Link zurück.
func (s *S3Client) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.cfg.StratoS3Bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return "", err
	}
	link := fmt.Sprintf("%s/%s/%s", s.cfg.StratoS3URL, s.cfg.StratoS3Bucket, key)
	return link, nil
}
