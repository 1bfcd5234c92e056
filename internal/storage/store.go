package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/resilience"
)

// Transfer policy for individual blob operations: a small fixed attempt
// count with a constant delay, each file independent of its siblings.
const (
	transferAttempts = 3
	transferDelay    = 2 * time.Second
)

// outputDirs are the local directories whose contents belong to a run.
var outputDirs = []string{"data", "results", "figures"}

// Store uploads and retrieves run artifacts. A nil *Store is valid: every
// operation returns an empty result, which callers treat as "remote
// storage unavailable, serve from local disk".
type Store struct {
	bucket        Bucket
	makePublic    bool
	signedURLDays int
}

// Options configures a Store.
type Options struct {
	MakePublic    bool
	SignedURLDays int
}

// New creates a Store over the bucket.
func New(bucket Bucket, opts Options) *Store {
	if opts.SignedURLDays <= 0 {
		opts.SignedURLDays = 7
	}
	return &Store{
		bucket:        bucket,
		makePublic:    opts.MakePublic,
		signedURLDays: opts.SignedURLDays,
	}
}

// FileInfo describes one stored artifact for listings.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

// UploadAll uploads every file found under the local output directories,
// keyed "{runID}/{dir}/{file}" remotely. Each file gets up to three
// attempts with a fixed delay; a file that exhausts its attempts is left
// out of the returned map, so callers that need to detect partial failure
// diff the expected keys against the returned ones. Missing local
// directories are treated as empty.
func (s *Store) UploadAll(ctx context.Context, runID, outputRoot string) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	log := zap.L().With(zap.String("run_id", runID))

	urls := make(map[string]string)
	for _, dir := range outputDirs {
		entries, err := os.ReadDir(filepath.Join(outputRoot, dir))
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			localPath := filepath.Join(outputRoot, dir, entry.Name())
			logicalKey := dir + "/" + entry.Name()
			remoteKey := runID + "/" + logicalKey

			err := resilience.Do(ctx, resilience.Fixed(transferAttempts, transferDelay), func(ctx context.Context) error {
				return s.bucket.Upload(ctx, remoteKey, localPath)
			})
			if err != nil {
				log.Warn("storage: upload failed, skipping file",
					zap.String("key", remoteKey),
					zap.Error(err))
				continue
			}

			urls[logicalKey] = s.urlFor(ctx, remoteKey)
		}
	}

	log.Info("storage: upload complete", zap.Int("files", len(urls)))
	return urls
}

// urlFor resolves a retrieval URL for an uploaded object: grant public
// access and use the canonical public URL, or fall back to a time-limited
// signed URL when the grant is refused.
func (s *Store) urlFor(ctx context.Context, key string) string {
	if s.makePublic {
		if err := s.bucket.MakePublic(ctx, key); err == nil {
			return s.bucket.PublicURL(key)
		}
		zap.L().Debug("storage: public grant refused, signing", zap.String("key", key))
	}

	u, err := s.bucket.SignedURL(key, time.Duration(s.signedURLDays)*24*time.Hour)
	if err != nil {
		zap.L().Warn("storage: signed url failed, using public form",
			zap.String("key", key),
			zap.Error(err))
		return s.bucket.PublicURL(key)
	}
	return u
}

// ResolveURL finds the remote object for a possibly-ambiguous local path
// by trying candidate key forms in order: prefixed with the run ID as
// given, prefixed with leading separators trimmed, then unprefixed. The
// first candidate that exists wins.
func (s *Store) ResolveURL(ctx context.Context, runID, localPath string) (string, bool) {
	if s == nil {
		return "", false
	}

	trimmed := strings.TrimLeft(localPath, "/")
	candidates := []string{
		runID + "/" + localPath,
		runID + "/" + trimmed,
		trimmed,
	}

	seen := make(map[string]bool, len(candidates))
	for _, key := range candidates {
		if seen[key] {
			continue
		}
		seen[key] = true

		ok, err := s.bucket.Exists(ctx, key)
		if err != nil {
			zap.L().Warn("storage: existence check failed",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if ok {
			return s.urlFor(ctx, key), true
		}
	}
	return "", false
}

// DownloadAll fetches every object under the run's namespace into dest,
// preserving the key's path below the run prefix. Keys with a trailing
// separator are directory markers and skipped. Per-file retry matches
// UploadAll; a failed file does not abort its siblings.
func (s *Store) DownloadAll(ctx context.Context, runID, dest string) int {
	if s == nil {
		return 0
	}
	log := zap.L().With(zap.String("run_id", runID))

	objects, err := s.bucket.List(ctx, runID+"/")
	if err != nil {
		log.Warn("storage: listing failed", zap.Error(err))
		return 0
	}

	downloaded := 0
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		rel := strings.TrimPrefix(obj.Key, runID+"/")
		destPath := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			log.Warn("storage: create dest dir failed",
				zap.String("path", destPath),
				zap.Error(err))
			continue
		}

		err := resilience.Do(ctx, resilience.Fixed(transferAttempts, transferDelay), func(ctx context.Context) error {
			return s.bucket.Download(ctx, obj.Key, destPath)
		})
		if err != nil {
			log.Warn("storage: download failed, skipping file",
				zap.String("key", obj.Key),
				zap.Error(err))
			continue
		}
		downloaded++
	}

	log.Info("storage: download complete", zap.Int("files", downloaded))
	return downloaded
}

// ListFiles returns every object under the run's namespace with its
// retrieval URL.
func (s *Store) ListFiles(ctx context.Context, runID string) []FileInfo {
	if s == nil {
		return nil
	}

	objects, err := s.bucket.List(ctx, runID+"/")
	if err != nil {
		zap.L().Warn("storage: listing failed",
			zap.String("run_id", runID),
			zap.Error(err))
		return nil
	}

	files := make([]FileInfo, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		files = append(files, FileInfo{
			Name:     strings.TrimPrefix(obj.Key, runID+"/"),
			Size:     obj.Size,
			Modified: obj.Updated,
			URL:      s.bucket.PublicURL(obj.Key),
		})
	}
	return files
}
