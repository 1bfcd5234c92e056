package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket is an in-memory Bucket. Keys in failUploads / failPublic
// force the corresponding operation to fail.
type fakeBucket struct {
	objects     map[string][]byte
	failUploads map[string]bool
	failPublic  map[string]bool
	failSigning bool
	public      map[string]bool

	uploadAttempts map[string]int
	onUploadErr    func()
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:        make(map[string][]byte),
		failUploads:    make(map[string]bool),
		failPublic:     make(map[string]bool),
		public:         make(map[string]bool),
		uploadAttempts: make(map[string]int),
	}
}

func (f *fakeBucket) Upload(_ context.Context, key, localPath string) error {
	f.uploadAttempts[key]++
	if f.failUploads[key] {
		if f.onUploadErr != nil {
			f.onUploadErr()
		}
		return eris.Errorf("upload %s refused", key)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBucket) Download(_ context.Context, key, destPath string) error {
	data, ok := f.objects[key]
	if !ok {
		return eris.Errorf("no object %s", key)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeBucket) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBucket) MakePublic(_ context.Context, key string) error {
	if f.failPublic[key] {
		return eris.Errorf("acl refused for %s", key)
	}
	f.public[key] = true
	return nil
}

func (f *fakeBucket) PublicURL(key string) string {
	return "https://storage.example.com/bucket/" + key
}

func (f *fakeBucket) SignedURL(key string, _ time.Duration) (string, error) {
	if f.failSigning {
		return "", eris.New("no signing key")
	}
	return "https://signed.example.com/" + key, nil
}

func (f *fakeBucket) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

// writeRunOutput lays out a minimal local run directory.
func writeRunOutput(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestUploadAll(t *testing.T) {
	bucket := newFakeBucket()
	store := New(bucket, Options{MakePublic: true})
	root := writeRunOutput(t, map[string]string{
		"data/clinical_trials.csv": "nct_id\n",
		"results/summary.json":     "{}",
	})

	urls := store.UploadAll(context.Background(), "run_1", root)

	require.Len(t, urls, 2)
	assert.Equal(t, "https://storage.example.com/bucket/run_1/data/clinical_trials.csv", urls["data/clinical_trials.csv"])
	assert.Contains(t, bucket.objects, "run_1/results/summary.json")
	assert.True(t, bucket.public["run_1/data/clinical_trials.csv"])
}

func TestUploadAllMissingDirsAreEmpty(t *testing.T) {
	bucket := newFakeBucket()
	store := New(bucket, Options{})
	root := writeRunOutput(t, map[string]string{"data/clinical_trials.csv": "x"})

	// No results/ or figures/ directories exist; only data/ uploads.
	urls := store.UploadAll(context.Background(), "run_1", root)
	assert.Len(t, urls, 1)
}

func TestUploadAllSkipsFileThatExhaustsRetries(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failUploads["run_1/results/summary.json"] = true

	// Cancelling on the first failure makes the retry loop give up without
	// sitting out the fixed delay.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bucket.onUploadErr = cancel

	store := New(bucket, Options{})
	root := writeRunOutput(t, map[string]string{
		"data/clinical_trials.csv": "x",
		"results/summary.json":     "{}",
	})

	urls := store.UploadAll(ctx, "run_1", root)

	assert.Contains(t, urls, "data/clinical_trials.csv")
	assert.NotContains(t, urls, "results/summary.json")
}

func TestUploadRetriesBeforeSucceeding(t *testing.T) {
	bucket := newFakeBucket()
	store := New(bucket, Options{})
	root := writeRunOutput(t, map[string]string{"data/a.csv": "x"})

	urls := store.UploadAll(context.Background(), "run_1", root)
	require.Len(t, urls, 1)
	assert.Equal(t, 1, bucket.uploadAttempts["run_1/data/a.csv"], "no retries on success")
}

func TestURLStrategyFallsBackToSigned(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failPublic["run_1/data/a.csv"] = true
	store := New(bucket, Options{MakePublic: true, SignedURLDays: 3})
	root := writeRunOutput(t, map[string]string{"data/a.csv": "x"})

	urls := store.UploadAll(context.Background(), "run_1", root)
	assert.Equal(t, "https://signed.example.com/run_1/data/a.csv", urls["data/a.csv"])
}

func TestURLStrategySignedFailureUsesPublicForm(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failSigning = true
	store := New(bucket, Options{MakePublic: false})
	root := writeRunOutput(t, map[string]string{"data/a.csv": "x"})

	urls := store.UploadAll(context.Background(), "run_1", root)
	assert.Equal(t, "https://storage.example.com/bucket/run_1/data/a.csv", urls["data/a.csv"])
}

func TestResolveURL(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["run_1/results/report.md"] = []byte("#")
	store := New(bucket, Options{})

	url, ok := store.ResolveURL(context.Background(), "run_1", "results/report.md")
	require.True(t, ok)
	assert.Contains(t, url, "run_1/results/report.md")

	// A path with a leading separator matches via the trimmed candidate.
	_, ok = store.ResolveURL(context.Background(), "run_1", "/results/report.md")
	assert.True(t, ok)
}

func TestResolveURLUnprefixedFallback(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["legacy/report.md"] = []byte("#")
	store := New(bucket, Options{})

	_, ok := store.ResolveURL(context.Background(), "run_1", "legacy/report.md")
	assert.True(t, ok, "falls through to the key without the run prefix")

	_, ok = store.ResolveURL(context.Background(), "run_1", "missing.md")
	assert.False(t, ok)
}

func TestDownloadAll(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["run_1/data/a.csv"] = []byte("hello")
	bucket.objects["run_1/results/"] = nil // directory marker
	bucket.objects["run_2/data/b.csv"] = []byte("other run")
	store := New(bucket, Options{})

	dest := t.TempDir()
	n := store.DownloadAll(context.Background(), "run_1", dest)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dest, "data", "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestListFiles(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["run_1/data/a.csv"] = []byte("1234")
	bucket.objects["run_1/figures/"] = nil
	store := New(bucket, Options{})

	files := store.ListFiles(context.Background(), "run_1")
	require.Len(t, files, 1)
	assert.Equal(t, "data/a.csv", files[0].Name)
	assert.Equal(t, int64(4), files[0].Size)
	assert.NotEmpty(t, files[0].URL)
}

func TestNilStoreIsInert(t *testing.T) {
	var store *Store
	ctx := context.Background()

	assert.Empty(t, store.UploadAll(ctx, "run_1", t.TempDir()))
	assert.Zero(t, store.DownloadAll(ctx, "run_1", t.TempDir()))
	assert.Nil(t, store.ListFiles(ctx, "run_1"))
	_, ok := store.ResolveURL(ctx, "run_1", "x")
	assert.False(t, ok)
}
