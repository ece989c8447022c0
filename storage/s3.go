package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cite-hand/config"
)

// NewS3Client erstellt einen S3-Client für Strato HiDrive.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
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

	return s3.NewFromConfig(awsCfg), nil
}

// ManuscriptArchive legt die eingereichten Manuskript-Snapshots unter
// einem Prefix im Bucket ab. Rein forensisch, die Pipeline liest die
// Snapshots nie zurück.
type ManuscriptArchive struct {
	Client *s3.Client
	Bucket string
	Prefix string
	cfg    *config.Config
}

func NewManuscriptArchive(client *s3.Client, cfg *config.Config) *ManuscriptArchive {
	return &ManuscriptArchive{
		Client: client,
		Bucket: cfg.StratoS3Bucket,
		Prefix: "manuscripts",
		cfg:    cfg,
	}
}

// Archive lädt den Snapshot hoch und gibt den Link zurück.
func (m *ManuscriptArchive) Archive(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := fmt.Sprintf("%s/%s", m.Prefix, key)
	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.Bucket,
		Key:    &fullKey,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", m.cfg.StratoS3URL, m.Bucket, fullKey), nil
}
