package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/dpapi/internal/debug"
	"southwinds.dev/dpapi/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
// Object layout:
//
//	bucket/
//	├── [keyPrefix/]machine/
//	│   └── [1][98f3a7e3-0d6e-f432-8a18-e1144b53633f][-1].xml
//	└── [keyPrefix/]user-alice/
//	    └── [1][98f3a7e3-0d6e-f432-8a18-e1144b53633f][-1].xml
//
// Unlike FileSystemStore, access control is delegated to the bucket policy.
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	bucketName string

	// keyPrefix is an optional prefix allowing several applications to share a bucket
	keyPrefix string

	// namespace separates the machine store from each user's store
	namespace string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the bucket.
}

// NewS3Store connects to the MinIO server and ensures the bucket exists
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
// Config keys follow the S3Config field names (Endpoint, AccessKeyID, ...).
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, namespace)
}

func (s3s *S3Store) Save(name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document cannot be nil")
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildNamespacePath(name)
	putOptions := minio.PutObjectOptions{
		ContentType: "application/xml",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion == CreateOnly {
		putOptions.SetMatchETagExcept(CreateOnly)
	} else if expectedVersion != "" {
		current, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "Save",
			}
		}
		// Set if-match condition for atomic update
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			current, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "Save",
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}

	debug.Print("saved object '%s' etag %s\n", objectName, uploadInfo.ETag)
	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) Load(name string) (*VersionedData, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildNamespacePath(name)
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	defer object.Close()

	// GetObject is lazy: a missing key surfaces on first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get info for %s: %w", name, err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	var timestamp time.Time
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) Exists(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.buildNamespacePath(name), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence of %s: %w", name, err)
	}
	return true, nil
}

func (s3s *S3Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	// RemoveObject succeeds for missing keys
	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.buildNamespacePath(name), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) List() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildNamespacePath() + "/"
	var names []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	// For S3, test connectivity by checking if bucket exists
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) Location() string {
	return fmt.Sprintf("s3://%s/%s", s3s.bucketName, s3s.buildNamespacePath())
}

// buildNamespacePath joins prefix, namespace and components, skipping empty parts
func (s3s *S3Store) buildNamespacePath(components ...string) string {
	var parts []string

	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	parts = append(parts, s3s.namespace)

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	// Remove quotes from ETag
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	// lazily read objects surface the condition as plain text
	return minio.ToErrorResponse(err).Code == "NoSuchKey" || misc.IsNotFoundError(err)
}
