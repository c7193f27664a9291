package aws

import (
	"bytes"
	"chatroom-server/core"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3FileStore struct {
	client  putObjectAPI
	bucket  string
	baseURL string
}

// NewFileStore uploads files to bucket. Links are publicURL joined with the
// object key, or the virtual-hosted bucket URL when publicURL is empty.
func NewFileStore(bucket, publicURL string) core.FileStore {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", bucket, cfg.Region)
	}
	return newFileStore(s3.NewFromConfig(cfg), bucket, publicURL)
}

func newFileStore(client putObjectAPI, bucket, publicURL string) *s3FileStore {
	if !strings.HasSuffix(publicURL, "/") {
		publicURL += "/"
	}
	return &s3FileStore{client: client, bucket: bucket, baseURL: publicURL}
}

func (s *s3FileStore) Save(ctx context.Context, name, contentType string, body io.Reader) (*core.File, error) {
	key := core.FileKey(name)
	log := logrus.WithFields(logrus.Fields{
		"file_name": name,
		"bucket":    s.bucket,
		"key":       key,
	})

	// request signing needs a seekable body
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		seeker = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   seeker,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.WithError(err).Error("Failed to upload file")
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	log.Info("Upload saved")
	return &core.File{Name: name, URL: s.baseURL + key}, nil
}
