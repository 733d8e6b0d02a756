package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectUploader is the subset of *minio.Client used by MirrorStore.
type ObjectUploader interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

const defaultBucket = "opsflow-media"

// videoTypes covers extensions the mime package does not know everywhere.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
}

func contentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// NewMinIOClient builds a client from static credentials.
func NewMinIOClient(cfg MinIOConfig) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// MirrorStore saves locally and then uploads the file to object storage
// under the same key. An upload failure is logged; the local copy is what
// the rest of the pipeline reads.
type MirrorStore struct {
	local    *LocalStore
	uploader ObjectUploader
	bucket   string

	mu          sync.Mutex
	bucketReady bool
}

func NewMirrorStore(local *LocalStore, uploader ObjectUploader, bucket string) *MirrorStore {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &MirrorStore{local: local, uploader: uploader, bucket: bucket}
}

func (s *MirrorStore) Root() string {
	return s.local.Root()
}

func (s *MirrorStore) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	localPath, err := s.local.Save(ctx, key, r)
	if err != nil {
		return "", err
	}
	if err := s.upload(ctx, key, localPath); err != nil {
		log.Printf("media: mirror upload failed key=%s bucket=%s err=%v", key, s.bucket, err)
	}
	return localPath, nil
}

func (s *MirrorStore) upload(ctx context.Context, key, localPath string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	contentType := contentTypeFor(key)
	_, err := s.uploader.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *MirrorStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucketReady {
		return nil
	}
	exists, err := s.uploader.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.uploader.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	s.bucketReady = true
	return nil
}
