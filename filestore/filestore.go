package filestore

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/enVId-tech/craftd/config"
)

const ErrNotExist = errors.Sentinel("filestore: path does not exist")

// Entry is a single directory listing entry.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Client is the shared file store contract. Server data directories live on
// this store; both the provisioning saga and the proxy deployer write through
// it.
type Client interface {
	Exists(ctx context.Context, p string) (bool, error)
	CreateDirectory(ctx context.Context, p string) error
	UploadFile(ctx context.Context, p string, r io.Reader) error
	GetFileContents(ctx context.Context, p string) ([]byte, error)
	GetDirectoryContents(ctx context.Context, p string) ([]Entry, error)
	// MoveFile relocates a file, degrading through copy-then-delete and a
	// suffixed rename when the store rejects a direct rename.
	MoveFile(ctx context.Context, src string, dst string) error
	DeleteDirectory(ctx context.Context, p string) error
	DeleteFile(ctx context.Context, p string) error
	Close() error
}

type sftpStore struct {
	conn *ssh.Client
	c    *sftp.Client
}

var _ Client = (*sftpStore)(nil)

// New dials the configured SFTP endpoint and returns a connected client.
func New(cfg config.FileStoreConfiguration) (Client, error) {
	auth := []ssh.AuthMethod{}
	if cfg.PrivateKeyPath != "" {
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "filestore: could not read private key")
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, errors.Wrap(err, "filestore: could not parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	conn, err := ssh.Dial("tcp", cfg.Address, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "filestore: could not connect to file store")
	}
	c, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "filestore: could not start sftp session")
	}
	return &sftpStore{conn: conn, c: c}, nil
}

func (s *sftpStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := s.c.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (s *sftpStore) CreateDirectory(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.WithStack(s.c.MkdirAll(p))
}

func (s *sftpStore) UploadFile(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.MkdirAll(path.Dir(p)); err != nil {
		return errors.WithStack(err)
	}
	f, err := s.c.Create(p)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrap(err, "filestore: failed to write file contents")
	}
	return nil
}

func (s *sftpStore) GetFileContents(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.c.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *sftpStore) GetDirectoryContents(ctx context.Context, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.c.ReadDir(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, errors.WithStack(err)
	}
	out := make([]Entry, 0, len(infos))
	for _, i := range infos {
		out = append(out, Entry{
			Name:    i.Name(),
			Size:    i.Size(),
			IsDir:   i.IsDir(),
			ModTime: i.ModTime(),
		})
	}
	return out, nil
}

// MoveFile prefers an atomic rename. Some stores reject cross-directory
// renames or renames over existing files, so this degrades to copying the
// contents and deleting the source, and finally to renaming with a numeric
// suffix next to the destination.
func (s *sftpStore) MoveFile(ctx context.Context, src string, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.MkdirAll(path.Dir(dst)); err != nil {
		return errors.WithStack(err)
	}
	if err := s.c.Rename(src, dst); err == nil {
		return nil
	} else {
		log.WithFields(log.Fields{"src": src, "dst": dst, "error": err}).
			Debug("filestore: direct rename failed, falling back to copy-then-delete")
	}

	if err := s.copyThenDelete(ctx, src, dst); err == nil {
		return nil
	} else {
		log.WithFields(log.Fields{"src": src, "dst": dst, "error": err}).
			Debug("filestore: copy-then-delete failed, falling back to suffixed rename")
	}

	for i := 1; i <= 5; i++ {
		suffixed := dst + "." + string(rune('0'+i))
		if err := s.c.Rename(src, suffixed); err == nil {
			return nil
		}
	}
	return errors.Errorf("filestore: exhausted move strategies for %s", src)
}

func (s *sftpStore) copyThenDelete(ctx context.Context, src string, dst string) error {
	in, err := s.c.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	out, err := s.c.Create(dst)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WithStack(err)
	}
	if err := out.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.c.Remove(src))
}

func (s *sftpStore) DeleteDirectory(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.RemoveAll(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		return errors.WithStack(err)
	}
	return nil
}

func (s *sftpStore) DeleteFile(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.c.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		return errors.WithStack(err)
	}
	return nil
}

func (s *sftpStore) Close() error {
	if err := s.c.Close(); err != nil {
		s.conn.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(s.conn.Close())
}
