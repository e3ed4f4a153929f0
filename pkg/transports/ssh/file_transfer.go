package ssh

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/artifacts"
	"github.com/patternforge/patternforge/pkg/engine"
)

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// RemotePath is where the file was written
	RemotePath string

	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Checksum is the SHA256 checksum of the local file
	Checksum string

	// Duration is the time taken for the transfer
	Duration time.Duration
}

// Uploader copies local files to the remote host over SFTP.
type Uploader struct {
	client *SSHClient
	logger zerolog.Logger
}

// NewUploader creates an uploader over client.
func NewUploader(client *SSHClient, logger zerolog.Logger) *Uploader {
	return &Uploader{
		client: client,
		logger: logger.With().Str("component", "sftp").Logger(),
	}
}

// createSFTPClient opens an SFTP session, connecting first if needed.
func (u *Uploader) createSFTPClient(ctx context.Context) (*sftp.Client, error) {
	if !u.client.IsConnected() {
		if err := u.client.Connect(ctx); err != nil {
			return nil, err
		}
	}

	sshClient, err := u.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpClient, nil
}

// UploadFile uploads one file. Missing remote directories are created and
// the remote file gets mode.
func (u *Uploader) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	sftpClient, err := u.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	return u.uploadFile(ctx, sftpClient, localPath, remotePath, mode)
}

// UploadFiles uploads files into remoteDir keeping their base names, all
// over one SFTP session. The local mode of every file is preserved.
func (u *Uploader) UploadFiles(ctx context.Context, remoteDir string, localPaths []string) ([]*FileTransferResult, error) {
	sftpClient, err := u.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	results := make([]*FileTransferResult, 0, len(localPaths))
	for _, localPath := range localPaths {
		info, err := os.Stat(localPath)
		if err != nil {
			return results, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to stat local file: %w", err),
			}
		}

		remotePath := path.Join(remoteDir, filepath.Base(localPath))
		res, err := u.uploadFile(ctx, sftpClient, localPath, remotePath, info.Mode().Perm())
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (u *Uploader) uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	// remote paths are always slash separated
	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(localFile, hash))
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			u.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
		}
	}

	result := &FileTransferResult{
		RemotePath:       remotePath,
		BytesTransferred: written,
		Checksum:         fmt.Sprintf("%x", hash.Sum(nil)),
		Duration:         time.Since(startTime),
	}

	u.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// copyWithContext copies src to dst, stopping between chunks when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

// LocalWriter renders artifacts to a local directory.
type LocalWriter interface {
	Write(dir string, in *artifacts.Input) (*artifacts.Paths, error)
}

// DefaultUploadTimeout bounds one artifact upload.
const DefaultUploadTimeout = 2 * time.Minute

// ArtifactWriter writes artifacts locally, then copies them to the remote
// artifact directory so the scripts sit next to the deployment they
// describe. The returned paths are the local ones.
type ArtifactWriter struct {
	local     LocalWriter
	uploader  *Uploader
	remoteDir string
	timeout   time.Duration
}

// NewArtifactWriter wraps local with an upload to remoteDir.
func NewArtifactWriter(local LocalWriter, uploader *Uploader, remoteDir string) *ArtifactWriter {
	return &ArtifactWriter{
		local:     local,
		uploader:  uploader,
		remoteDir: remoteDir,
		timeout:   DefaultUploadTimeout,
	}
}

// Write renders the artifacts into dir and uploads them to
// <remoteDir>/<base of dir>. A failed upload is a connectivity error.
func (w *ArtifactWriter) Write(dir string, in *artifacts.Input) (*artifacts.Paths, error) {
	paths, err := w.local.Write(dir, in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	remoteDir := path.Join(w.remoteDir, filepath.Base(dir))
	if _, err := w.uploader.UploadFiles(ctx, remoteDir, paths.All()); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return paths, connectivityError(w.uploader.client.config.Host, te).
				WithOperation("upload-artifacts").
				WithDetail("remote_dir", remoteDir)
		}
		return paths, engine.NewConnectivityError("artifact upload failed", err)
	}

	w.uploader.logger.Info().
		Str("remote_dir", remoteDir).
		Str("files", strings.Join(baseNames(paths.All()), ",")).
		Msg("Artifacts uploaded")
	return paths, nil
}

func baseNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names
}
