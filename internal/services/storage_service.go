// internal/services/storage_service.go
package services

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/lenspark/escrow-backend/internal/config"
)

// StorageService resolves the opaque file descriptors carried by delivery
// versions into previewable URLs. The asset bytes themselves are owned by
// the storage collaborator; this core never interprets them.
type StorageService struct {
	s3Client *s3.S3
	config   *config.Config
}

func NewStorageService(cfg *config.Config) (*StorageService, error) {
	if cfg.AWS.AccessKeyID == "" {
		// No credentials: descriptors pass through untouched (local development).
		return &StorageService{config: cfg}, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &StorageService{
		s3Client: s3.New(sess),
		config:   cfg,
	}, nil
}

// ResolvePreviewURL returns a time-limited presigned URL for the stored
// asset identified by fileDescriptor.
func (s *StorageService) ResolvePreviewURL(fileDescriptor string) (string, error) {
	if s.s3Client == nil {
		return fileDescriptor, nil
	}

	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.config.AWS.S3Bucket),
		Key:    aws.String(fileDescriptor),
	})

	url, err := req.Presign(time.Duration(s.config.AWS.PresignTTLMins) * time.Minute)
	if err != nil {
		return "", fmt.Errorf("failed to presign preview URL: %w", err)
	}

	return url, nil
}
