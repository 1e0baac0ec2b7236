// Package imagehost publishes canonical card images at URLs a marketplace
// can fetch.
package imagehost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/sells-group/cardflow/internal/config"
)

// Host publishes a local file under name and returns its public URL.
// Publishing the same name twice is not an error.
type Host interface {
	Publish(ctx context.Context, localPath, name string) (string, error)
}

// New builds the configured host.
func New(ctx context.Context, cfg config.ImagesConfig) (Host, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, eris.New("imagehost: local provider requires local_dir")
		}
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL), nil
	case "gcs":
		if cfg.Bucket == "" {
			return nil, eris.New("imagehost: gcs provider requires bucket")
		}
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.PublicBaseURL)
	default:
		return nil, eris.Errorf("imagehost: unknown provider %q", cfg.Provider)
	}
}

// Local copies images into a directory served by some static file server.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates a Local host. Without a base URL, file:// URLs are
// returned.
func NewLocal(dir, baseURL string) *Local {
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Publish copies localPath to {dir}/{name}.
func (l *Local) Publish(_ context.Context, localPath, name string) (string, error) {
	dst := filepath.Join(l.dir, filepath.FromSlash(name))
	if _, err := os.Stat(dst); err == nil {
		return l.url(dst, name), nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", eris.Wrapf(err, "imagehost: create dir for %s", name)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return "", eris.Wrapf(err, "imagehost: open %s", localPath)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", eris.Wrapf(err, "imagehost: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", eris.Wrapf(err, "imagehost: copy %s", localPath)
	}
	if err := out.Close(); err != nil {
		return "", eris.Wrapf(err, "imagehost: close %s", dst)
	}
	return l.url(dst, name), nil
}

func (l *Local) url(dst, name string) string {
	if l.baseURL != "" {
		return l.baseURL + "/" + name
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return "file://" + filepath.ToSlash(abs)
}

// putFunc writes r to the named object, failing if it already exists.
type putFunc func(ctx context.Context, object, contentType string, r io.Reader) error

// GCS uploads images to a Cloud Storage bucket.
type GCS struct {
	bucket  string
	prefix  string
	baseURL string
	put     putFunc
}

// NewGCS creates a GCS host using application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, baseURL string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "imagehost: create storage client")
	}
	return newGCS(bucket, prefix, baseURL, bucketPut(client.Bucket(bucket))), nil
}

func newGCS(bucket, prefix, baseURL string, put putFunc) *GCS {
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com/" + bucket
	}
	return &GCS{
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: strings.TrimRight(baseURL, "/"),
		put:     put,
	}
}

func bucketPut(b *storage.BucketHandle) putFunc {
	return func(ctx context.Context, object, contentType string, r io.Reader) error {
		w := b.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = contentType
		if _, err := io.Copy(w, r); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
}

// Publish uploads localPath as {prefix}/{name}.
func (g *GCS) Publish(ctx context.Context, localPath, name string) (string, error) {
	object := path.Join(g.prefix, name)

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", eris.Wrapf(err, "imagehost: read %s", localPath)
	}

	err = g.put(ctx, object, http.DetectContentType(data), bytes.NewReader(data))
	if alreadyExists(err) {
		zap.L().Debug("imagehost: object exists", zap.String("object", object))
		err = nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "imagehost: upload gs://%s/%s", g.bucket, object)
	}
	return g.baseURL + "/" + object, nil
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
