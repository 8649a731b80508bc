package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/block/ctfplug/internal/logging"
)

func RegisterS3(r *Registry) {
	Register(r, "s3", "Persists configuration records as JSON objects in an S3 bucket.", NewS3)
}

type S3Config struct {
	Bucket          string `hcl:"bucket" help:"S3 bucket name."`
	Prefix          string `hcl:"prefix,optional" help:"Object key prefix for records." default:"settings/"`
	Endpoint        string `hcl:"endpoint,optional" help:"S3 endpoint (e.g., s3.amazonaws.com or localhost:9000)." default:"s3.amazonaws.com"`
	Region          string `hcl:"region,optional" help:"S3 region." default:"us-west-2"`
	AccessKeyID     string `hcl:"access-key-id,optional" help:"Static access key. Uses the AWS credential chain when empty."`
	SecretAccessKey string `hcl:"secret-access-key,optional" help:"Static secret key."`
	UseSSL          *bool  `hcl:"use-ssl,optional" help:"Use SSL for S3 connections (defaults to true)."`
	SkipSSLVerify   bool   `hcl:"skip-ssl-verify,optional" help:"Skip SSL certificate verification."`
}

type S3 struct {
	logger *slog.Logger
	config S3Config
	client *minio.Client
}

var _ Store = (*S3)(nil)

// NewS3 creates a store that keeps one JSON object per record under config.Prefix.
//
// config.Bucket MUST be set and the bucket MUST exist. When no static credentials are configured the standard AWS
// credential chain is used: environment variables, ~/.aws/credentials, then instance metadata.
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if config.Endpoint == "" {
		config.Endpoint = "s3.amazonaws.com"
	}
	useSSL := config.UseSSL == nil || *config.UseSSL

	logging.FromContext(ctx).InfoContext(ctx, "Constructing S3 store",
		"endpoint", config.Endpoint,
		"bucket", config.Bucket,
		"prefix", config.Prefix,
		"region", config.Region,
		"use-ssl", useSSL)

	transport, err := minio.DefaultTransport(useSSL)
	if err != nil {
		return nil, errors.Errorf("failed to create default transport: %w", err)
	}
	if config.SkipSSLVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec
	}

	var creds *credentials.Credentials
	if config.AccessKeyID != "" {
		creds = credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: transport}},
		})
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    useSSL,
		Region:    config.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, errors.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, errors.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		return nil, errors.Errorf("bucket %s does not exist", config.Bucket)
	}

	return &S3{
		logger: logging.FromContext(ctx),
		config: config,
		client: client,
	}, nil
}

func (s *S3) String() string {
	return fmt.Sprintf("s3:%s/%s/%s", s.config.Endpoint, s.config.Bucket, s.config.Prefix)
}

func (s *S3) Close() error { return nil }

func (s *S3) objectName(key string) string {
	return s.config.Prefix + url.PathEscape(key) + ".json"
}

func (s *S3) keyFromObject(name string) (string, bool) {
	escaped, ok := strings.CutSuffix(strings.TrimPrefix(name, s.config.Prefix), ".json")
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *S3) List(ctx context.Context) ([]Record, error) {
	// Returning early abandons the listing channel, cancelling stops its producer.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out []Record
	for obj := range s.client.ListObjects(ctx, s.config.Bucket, minio.ListObjectsOptions{
		Prefix:    s.config.Prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Errorf("failed to list objects: %w", obj.Err)
		}
		key, ok := s.keyFromObject(obj.Key)
		if !ok {
			s.logger.WarnContext(ctx, "Ignoring unexpected object in settings prefix", "object", obj.Key)
			continue
		}
		record, err := s.Get(ctx, key)
		if errors.Is(err, os.ErrNotExist) {
			// Deleted between listing and reading.
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (s *S3) Get(ctx context.Context, key string) (Record, error) {
	obj, err := s.client.GetObject(ctx, s.config.Bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return Record{}, s.mapError(key, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		return Record{}, s.mapError(key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return Record{}, s.mapError(key, err)
	}
	if err := validateValue(data); err != nil {
		return Record{}, errors.Errorf("%s: %w", key, err)
	}
	return Record{Key: key, Value: data, UpdatedAt: info.LastModified.UTC()}, nil
}

func (s *S3) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.config.Bucket, s.objectName(key), bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return errors.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	name := s.objectName(key)
	if _, err := s.client.StatObject(ctx, s.config.Bucket, name, minio.StatObjectOptions{}); err != nil {
		return s.mapError(key, err)
	}
	if err := s.client.RemoveObject(ctx, s.config.Bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return errors.Errorf("failed to remove object: %w", err)
	}
	return nil
}

func (s *S3) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return notFound(key)
	}
	return errors.Errorf("%s: %w", key, err)
}
