package transfer

import (
	"context"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// RemoteFS is the read side of the remote filesystem used by downloads
type RemoteFS interface {
	Stat(p string) (os.FileInfo, error)
	ReadDir(p string) ([]os.FileInfo, error)
	Open(p string) (io.ReadSeekCloser, error)
}

// SFTPProvider is implemented by executors that can open an SFTP session
type SFTPProvider interface {
	SFTP(ctx context.Context) (*sftp.Client, error)
}

// sftpFS adapts an SFTP client to RemoteFS
type sftpFS struct {
	client *sftp.Client
}

// NewSFTPFS wraps client as a RemoteFS
func NewSFTPFS(client *sftp.Client) RemoteFS {
	return &sftpFS{client: client}
}

func (s *sftpFS) Stat(p string) (os.FileInfo, error) {
	return s.client.Stat(p)
}

func (s *sftpFS) ReadDir(p string) ([]os.FileInfo, error) {
	return s.client.ReadDir(p)
}

func (s *sftpFS) Open(p string) (io.ReadSeekCloser, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}
