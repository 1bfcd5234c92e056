// Package storage persists run artifacts to a Google Cloud Storage bucket
// and resolves retrieval URLs for them.
package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Key     string
	Size    int64
	Updated time.Time
}

// Bucket is the narrow slice of blob operations the store needs. Tests
// substitute a fake; production uses gcsBucket.
type Bucket interface {
	Upload(ctx context.Context, key, localPath string) error
	Download(ctx context.Context, key, destPath string) error
	Exists(ctx context.Context, key string) (bool, error)
	MakePublic(ctx context.Context, key string) error
	PublicURL(key string) string
	SignedURL(key string, expiry time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// gcsBucket implements Bucket over cloud.google.com/go/storage.
type gcsBucket struct {
	name   string
	client *gcs.Client
}

// NewGCSBucket connects to the named bucket. credentialsFile may be empty,
// in which case application default credentials apply.
func NewGCSBucket(ctx context.Context, name, credentialsFile string) (Bucket, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "storage: create client")
	}

	// Verify the bucket is reachable now so store construction fails fast
	// and the coordinator can fall back to local disk.
	if _, err := client.Bucket(name).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "storage: bucket %s unreachable", name)
	}

	return &gcsBucket{name: name, client: client}, nil
}

func (b *gcsBucket) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return eris.Wrapf(err, "storage: open %s", localPath)
	}
	defer f.Close() //nolint:errcheck

	w := b.client.Bucket(b.name).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return eris.Wrapf(err, "storage: upload %s", key)
	}
	if err := w.Close(); err != nil {
		return eris.Wrapf(err, "storage: finish upload %s", key)
	}
	return nil
}

func (b *gcsBucket) Download(ctx context.Context, key, destPath string) error {
	r, err := b.client.Bucket(b.name).Object(key).NewReader(ctx)
	if err != nil {
		return eris.Wrapf(err, "storage: open %s", key)
	}
	defer r.Close() //nolint:errcheck

	f, err := os.Create(destPath)
	if err != nil {
		return eris.Wrapf(err, "storage: create %s", destPath)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "storage: download %s", key)
	}
	return eris.Wrapf(f.Close(), "storage: close %s", destPath)
}

func (b *gcsBucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Bucket(b.name).Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "storage: stat %s", key)
	}
	return true, nil
}

func (b *gcsBucket) MakePublic(ctx context.Context, key string) error {
	acl := b.client.Bucket(b.name).Object(key).ACL()
	if err := acl.Set(ctx, gcs.AllUsers, gcs.RoleReader); err != nil {
		return eris.Wrapf(err, "storage: make public %s", key)
	}
	return nil
}

func (b *gcsBucket) PublicURL(key string) string {
	return "https://storage.googleapis.com/" + b.name + "/" + key
}

func (b *gcsBucket) SignedURL(key string, expiry time.Duration) (string, error) {
	u, err := b.client.Bucket(b.name).SignedURL(key, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", eris.Wrapf(err, "storage: sign url %s", key)
	}
	return u, nil
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := b.client.Bucket(b.name).Objects(ctx, &gcs.Query{Prefix: prefix})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "storage: list %s", prefix)
		}
		objects = append(objects, ObjectInfo{
			Key:     attrs.Name,
			Size:    attrs.Size,
			Updated: attrs.Updated,
		})
	}
	return objects, nil
}
