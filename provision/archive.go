package provision

import (
	"archive/tar"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/klauspost/pgzip"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/internal/models"
)

// archiveRemoteFiles snapshots a server's remote directory tree into a local
// gzipped tarball before the tree is deleted. Returns the archive path.
func (o *Orchestrator) archiveRemoteFiles(ctx context.Context, s *models.ServerInstance) (string, error) {
	cfg := config.Get()
	dir := cfg.System.ArchiveDirectory
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.WithStack(err)
	}
	name := fmt.Sprintf("%s-%s.tar.gz", s.UUID, time.Now().UTC().Format("20060102T150405"))
	dst := filepath.Join(dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	gw := pgzip.NewWriter(f)
	_ = gw.SetConcurrency(1<<20, 4)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	root := s.FileRoot
	if root == "" {
		root = RemoteRoot(s.UUID)
	}
	if err := o.archiveTree(ctx, tw, root, ""); err != nil {
		// A partial archive is worse than none, it would look like a valid
		// snapshot during a restore.
		_ = os.Remove(dst)
		return "", err
	}
	log.WithFields(log.Fields{"server": s.UUID, "archive": dst}).Info("archived server files")
	return dst, nil
}

func (o *Orchestrator) archiveTree(ctx context.Context, tw *tar.Writer, remote string, prefix string) error {
	entries, err := o.files.GetDirectoryContents(ctx, remote)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := path.Join(prefix, e.Name)
		if e.IsDir {
			if err := tw.WriteHeader(&tar.Header{
				Name:     rel + "/",
				Mode:     0o755,
				Typeflag: tar.TypeDir,
				ModTime:  e.ModTime,
			}); err != nil {
				return errors.WithStack(err)
			}
			if err := o.archiveTree(ctx, tw, path.Join(remote, e.Name), rel); err != nil {
				return err
			}
			continue
		}
		buf, err := o.files.GetFileContents(ctx, path.Join(remote, e.Name))
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    rel,
			Mode:    0o644,
			Size:    int64(len(buf)),
			ModTime: e.ModTime,
		}); err != nil {
			return errors.WithStack(err)
		}
		if _, err := tw.Write(buf); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
