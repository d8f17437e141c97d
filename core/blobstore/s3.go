package blobstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/qvarnlabs/qvarn/core/logger"
)

// S3Configuration contains the configuration for the AWS S3 driver
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
}

// S3 is the implementation of Driver for AWS S3
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("blobstore S3 enabled")
	s := S3{cfg, s3Config.AWSBucketName, s3Config.KeyPrefix}
	return &s, nil
}

// Put uploads the payload for key.
func (s *S3) Put(ctx context.Context, key string, payload []byte) error {
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(payload),
	})
	return err
}

// Get downloads the payload for key.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	downloader := manager.NewDownloader(s3.NewFromConfig(s.config))
	buffer := manager.NewWriteAtBuffer(nil)
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Delete deletes the key payload; a missing key is not an error.
func (s *S3) Delete(ctx context.Context, key string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.Default().Errorln("could not delete", s.baseKeyName+key)
		return err
	}
	return nil
}

// DeleteAllWithPrefix deletes all keys starting with prefix.
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	client := s3.NewFromConfig(s.config)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.baseKeyName + prefix),
	}
	for {
		page, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			return err
		}
		for _, object := range page.Contents {
			_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    object.Key,
			})
			if err != nil {
				return err
			}
		}
		if page.NextContinuationToken == nil {
			return nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}
