// Package workspace materializes a job's file manifest into a temporary
// directory on local disk so the sandbox can execute against it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hexbase/runnerd/internal/objectstore"
	"github.com/hexbase/runnerd/pkg/types"
)

// maxConcurrentDownloads bounds parallel object fetches per job.
const maxConcurrentDownloads = 8

// ErrEmptyManifest is returned when the manifest contains no usable entries.
var ErrEmptyManifest = errors.New("no files found in job payload manifest to download")

// Materializer downloads manifests into temp directories.
type Materializer struct {
	store objectstore.Client
}

func NewMaterializer(store objectstore.Client) *Materializer {
	return &Materializer{store: store}
}

// Materialize downloads every manifest entry from bucket into a fresh temp
// directory and returns its root plus a cleanup func. The bucket travels in
// the task payload, not the worker config. Entries with an empty object key
// or file path are skipped with a warning; if nothing usable remains the
// manifest is rejected. On any download error the partial directory is
// removed before returning.
func (m *Materializer) Materialize(ctx context.Context, jobID types.JobID, bucket string, manifest []types.FileRef) (string, func(), error) {
	files := make([]types.FileRef, 0, len(manifest))
	for _, f := range manifest {
		if f.R2ObjectKey == "" || f.FilePath == "" {
			log.WithFields(log.Fields{
				"job_id":    jobID,
				"file_path": f.FilePath,
			}).Warn("Skipping manifest entry with missing key or path")
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return "", nil, ErrEmptyManifest
	}

	root, err := os.MkdirTemp("", "job-ws-")
	if err != nil {
		return "", nil, fmt.Errorf("create workspace dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(root); err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("Failed to remove workspace dir")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)
	for _, f := range files {
		f := f
		g.Go(func() error {
			return m.download(gctx, bucket, root, f)
		})
	}
	if err := g.Wait(); err != nil {
		cleanup()
		return "", nil, err
	}

	log.WithFields(log.Fields{
		"job_id": jobID,
		"files":  len(files),
	}).Info("Workspace materialized")
	return root, cleanup, nil
}

func (m *Materializer) download(ctx context.Context, bucket, root string, ref types.FileRef) error {
	dest, err := safeJoin(root, ref.FilePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir for %q: %w", ref.FilePath, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file %q: %w", ref.FilePath, err)
	}
	defer f.Close()

	if err := m.store.Download(ctx, bucket, ref.R2ObjectKey, f); err != nil {
		return fmt.Errorf("download %q: %w", ref.FilePath, err)
	}
	return nil
}

// CleanPath returns the workspace-relative form of a manifest or entrypoint
// path: leading separators are stripped, so "/main.py" means "main.py".
func CleanPath(p string) string {
	return strings.TrimLeft(p, "/")
}

// safeJoin resolves rel under root and rejects anything that escapes it.
func safeJoin(root, rel string) (string, error) {
	rel = CleanPath(rel)
	dest := filepath.Join(root, rel)
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("manifest path %q escapes the workspace", rel)
	}
	return dest, nil
}

// VerifyEntrypoint checks that the entrypoint script landed in the
// materialized workspace as a regular file.
func VerifyEntrypoint(root, entrypoint string) error {
	dest, err := safeJoin(root, entrypoint)
	if err != nil {
		return err
	}
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("entrypoint '%s' not found in downloaded workspace", entrypoint)
	}
	return nil
}
