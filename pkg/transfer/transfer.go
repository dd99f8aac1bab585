// Package transfer copies files between the local machine and SSH hosts over
// SFTP. Large trees can be staged through a gzipped tarball instead: packed
// on the sending side, shipped as one file and unpacked on the receiving
// side.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/tomjamescn/yawe/pkg/remote"
)

const cleanupTimeout = 10 * time.Second

// Item is one transfer entry. Recursive copies the tree under the source
// directory into the destination, preserving the relative layout.
type Item struct {
	Remote    string
	Local     string
	Recursive bool
	Exclude   []string
}

// Options apply to every item in a Download or Upload call.
type Options struct {
	PreserveTimes bool
	PreCompress   bool
	// Decompress only matters with PreCompress: when false the tarball is
	// kept at the destination instead of being unpacked.
	Decompress    bool
	Timeout       time.Duration
	RemoteTempDir string
	LocalTempDir  string
}

func (o Options) withDefaults() Options {
	if o.RemoteTempDir == "" {
		o.RemoteTempDir = "/tmp"
	}

	if o.LocalTempDir == "" {
		o.LocalTempDir = os.TempDir()
	}

	return o
}

// ItemResult describes one transferred item.
type ItemResult struct {
	Remote      string
	Local       string
	Files       int
	Bytes       int64
	Duration    time.Duration
	PreCompress bool
	ArchiveName string
	// ArchivePath is set only when the tarball was kept (Decompress false).
	ArchivePath string
}

// Result aggregates one Download or Upload call.
type Result struct {
	Host     string
	Items    []ItemResult
	Duration time.Duration
}

func (r *Result) TotalFiles() int {
	var n int
	for _, item := range r.Items {
		n += item.Files
	}

	return n
}

func (r *Result) TotalBytes() int64 {
	var n int64
	for _, item := range r.Items {
		n += item.Bytes
	}

	return n
}

// Service copies files over the dialer's cached SSH connections.
type Service struct {
	dialer *remote.Dialer
	logger *slog.Logger
}

func NewService(dialer *remote.Dialer, logger *slog.Logger) *Service {
	return &Service{
		dialer: dialer,
		logger: logger,
	}
}

// Download copies items from host to the local machine.
func (s *Service) Download(ctx context.Context, host string, items []Item, opts Options) (*Result, error) {
	client, sftpClient, err := s.open(host)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	opts = opts.withDefaults()
	start := time.Now()
	result := &Result{Host: host}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if item.Remote == "" || item.Local == "" {
			return result, fmt.Errorf("transfer item needs both remote and local paths")
		}

		itemStart := time.Now()

		var itemResult ItemResult
		if opts.PreCompress {
			itemResult, err = s.downloadCompressed(ctx, client, sftpClient, item, opts)
		} else {
			itemResult, err = s.downloadPlain(ctx, sftpClient, item, opts)
		}

		if err != nil {
			return result, fmt.Errorf("failed to download %s from %s: %w", item.Remote, host, err)
		}

		itemResult.Remote = item.Remote
		itemResult.Local = item.Local
		itemResult.Duration = time.Since(itemStart)
		result.Items = append(result.Items, itemResult)

		s.logger.Info("Download complete",
			"host", host, "remote", item.Remote, "local", item.Local,
			"files", itemResult.Files, "bytes", itemResult.Bytes)
	}

	result.Duration = time.Since(start)

	return result, nil
}

// Upload copies items from the local machine to host.
func (s *Service) Upload(ctx context.Context, host string, items []Item, opts Options) (*Result, error) {
	client, sftpClient, err := s.open(host)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	opts = opts.withDefaults()
	start := time.Now()
	result := &Result{Host: host}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if item.Remote == "" || item.Local == "" {
			return result, fmt.Errorf("transfer item needs both remote and local paths")
		}

		itemStart := time.Now()

		var itemResult ItemResult
		if opts.PreCompress {
			itemResult, err = s.uploadCompressed(ctx, client, sftpClient, item, opts)
		} else {
			itemResult, err = s.uploadPlain(ctx, sftpClient, item, opts)
		}

		if err != nil {
			return result, fmt.Errorf("failed to upload %s to %s: %w", item.Local, host, err)
		}

		itemResult.Remote = item.Remote
		itemResult.Local = item.Local
		itemResult.Duration = time.Since(itemStart)
		result.Items = append(result.Items, itemResult)

		s.logger.Info("Upload complete",
			"host", host, "local", item.Local, "remote", item.Remote,
			"files", itemResult.Files, "bytes", itemResult.Bytes)
	}

	result.Duration = time.Since(start)

	return result, nil
}

func (s *Service) open(host string) (*remote.Client, *sftp.Client, error) {
	client, err := s.dialer.Client(host)
	if err != nil {
		return nil, nil, err
	}

	conn, err := client.Conn()
	if err != nil {
		return nil, nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sftp session on %s: %w", host, err)
	}

	return client, sftpClient, nil
}

func (s *Service) downloadPlain(ctx context.Context, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	info, err := sftpClient.Stat(item.Remote)
	if err != nil {
		return result, fmt.Errorf("failed to stat remote path: %w", err)
	}

	if info.IsDir() {
		if !item.Recursive {
			return result, fmt.Errorf("%s is a directory (set recursive: true)", item.Remote)
		}

		return s.downloadTree(ctx, sftpClient, item, opts)
	}

	target := localTarget(item.Local, path.Base(item.Remote))

	n, err := downloadFile(sftpClient, item.Remote, target, info, opts.PreserveTimes)
	if err != nil {
		return result, err
	}

	result.Files = 1
	result.Bytes = n

	return result, nil
}

func (s *Service) downloadTree(ctx context.Context, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	if err := os.MkdirAll(item.Local, 0o750); err != nil {
		return result, fmt.Errorf("failed to create %s: %w", item.Local, err)
	}

	root := path.Clean(item.Remote)
	walker := sftpClient.Walk(root)

	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := walker.Err(); err != nil {
			return result, fmt.Errorf("failed to walk %s: %w", walker.Path(), err)
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if rel == "" {
			continue
		}

		if excluded(rel, item.Exclude) {
			if walker.Stat().IsDir() {
				walker.SkipDir()
			}

			continue
		}

		target := filepath.Join(item.Local, filepath.FromSlash(rel))

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return result, fmt.Errorf("failed to create %s: %w", target, err)
			}

			continue
		}

		if !walker.Stat().Mode().IsRegular() {
			continue
		}

		n, err := downloadFile(sftpClient, walker.Path(), target, walker.Stat(), opts.PreserveTimes)
		if err != nil {
			return result, err
		}

		result.Files++
		result.Bytes += n
	}

	return result, nil
}

func (s *Service) downloadCompressed(ctx context.Context, client *remote.Client, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	name := stagingName(item.Remote)
	remoteArchive := path.Join(opts.RemoteTempDir, name)
	localArchive := filepath.Join(opts.LocalTempDir, name)

	s.logger.Info("Compressing on remote", "path", item.Remote, "archive", remoteArchive)

	output, code, err := client.Run(ctx, remoteTarCommand(remoteArchive, item.Remote, item.Exclude), opts.Timeout)
	if err != nil {
		return result, fmt.Errorf("remote compression failed: %w", err)
	}

	if code != 0 {
		return result, fmt.Errorf("remote compression exited with code %d: %s", code, strings.TrimSpace(output))
	}

	defer func() {
		// The staging archive must not outlive the transfer.
		cleanupCtx := context.WithoutCancel(ctx)
		_, _, _ = client.Run(cleanupCtx, "rm -f "+shellQuote(remoteArchive), cleanupTimeout)
	}()

	info, err := sftpClient.Stat(remoteArchive)
	if err != nil {
		return result, fmt.Errorf("failed to stat archive: %w", err)
	}

	if _, err := downloadFile(sftpClient, remoteArchive, localArchive, info, false); err != nil {
		return result, err
	}

	result.PreCompress = true
	result.ArchiveName = name

	if !opts.Decompress {
		result.ArchivePath = localArchive
		result.Files = 1
		result.Bytes = info.Size()

		return result, nil
	}

	files, numBytes, err := extractArchive(localArchive, item.Local)
	if err != nil {
		return result, err
	}

	if err := os.Remove(localArchive); err != nil {
		s.logger.Warn("Failed to remove local archive", "path", localArchive, "error", err)
	}

	result.Files = files
	result.Bytes = numBytes

	return result, nil
}

func (s *Service) uploadPlain(ctx context.Context, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	info, err := os.Stat(item.Local)
	if err != nil {
		return result, fmt.Errorf("failed to stat local path: %w", err)
	}

	if info.IsDir() {
		if !item.Recursive {
			return result, fmt.Errorf("%s is a directory (set recursive: true)", item.Local)
		}

		return s.uploadTree(ctx, sftpClient, item, opts)
	}

	target := remoteTarget(sftpClient, item.Remote, filepath.Base(item.Local))

	n, err := uploadFile(sftpClient, item.Local, target, info, opts.PreserveTimes)
	if err != nil {
		return result, err
	}

	result.Files = 1
	result.Bytes = n

	return result, nil
}

func (s *Service) uploadTree(ctx context.Context, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	root := filepath.Clean(item.Local)
	remoteRoot := path.Clean(item.Remote)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}

		if rel == "." {
			return sftpClient.MkdirAll(remoteRoot)
		}

		if excluded(rel, item.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		target := path.Join(remoteRoot, filepath.ToSlash(rel))

		if d.IsDir() {
			return sftpClient.MkdirAll(target)
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		n, copyErr := uploadFile(sftpClient, p, target, info, opts.PreserveTimes)
		if copyErr != nil {
			return copyErr
		}

		result.Files++
		result.Bytes += n

		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

func (s *Service) uploadCompressed(ctx context.Context, client *remote.Client, sftpClient *sftp.Client, item Item, opts Options) (ItemResult, error) {
	var result ItemResult

	name := stagingName(item.Local)
	localArchive := filepath.Join(opts.LocalTempDir, name)

	// When the tarball is the deliverable it goes straight to the target
	// directory; otherwise it is staged in the remote temp dir and removed
	// after extraction.
	remoteArchive := path.Join(item.Remote, name)
	if opts.Decompress {
		remoteArchive = path.Join(opts.RemoteTempDir, name)
	}

	s.logger.Info("Compressing locally", "path", item.Local, "archive", localArchive)

	if _, _, err := createArchive(item.Local, localArchive, item.Exclude); err != nil {
		return result, err
	}

	defer func() {
		if err := os.Remove(localArchive); err != nil {
			s.logger.Warn("Failed to remove local archive", "path", localArchive, "error", err)
		}
	}()

	info, err := os.Stat(localArchive)
	if err != nil {
		return result, fmt.Errorf("failed to stat archive: %w", err)
	}

	if _, err := uploadFile(sftpClient, localArchive, remoteArchive, info, false); err != nil {
		return result, err
	}

	result.PreCompress = true
	result.ArchiveName = name

	if !opts.Decompress {
		result.ArchivePath = remoteArchive
		result.Files = 1
		result.Bytes = info.Size()

		return result, nil
	}

	extractCmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s",
		shellQuote(item.Remote), shellQuote(remoteArchive), shellQuote(item.Remote))

	output, code, err := client.Run(ctx, extractCmd, opts.Timeout)
	if err != nil {
		return result, fmt.Errorf("remote extraction failed: %w", err)
	}

	if code != 0 {
		return result, fmt.Errorf("remote extraction exited with code %d: %s", code, strings.TrimSpace(output))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	_, _, _ = client.Run(cleanupCtx, "rm -f "+shellQuote(remoteArchive), cleanupTimeout)

	result.Files = 1
	result.Bytes = info.Size()

	return result, nil
}

func downloadFile(sftpClient *sftp.Client, remotePath, localPath string, info os.FileInfo, preserveTimes bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
	}

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(localPath)
		return n, fmt.Errorf("failed to copy %s: %w", remotePath, err)
	}

	if preserveTimes {
		_ = os.Chtimes(localPath, info.ModTime(), info.ModTime())
	}

	return n, nil
}

func uploadFile(sftpClient *sftp.Client, localPath, remotePath string, info os.FileInfo, preserveTimes bool) (int64, error) {
	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to create remote directory %s: %w", path.Dir(remotePath), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = sftpClient.Remove(remotePath)
		return n, fmt.Errorf("failed to copy %s: %w", localPath, err)
	}

	if preserveTimes {
		_ = sftpClient.Chtimes(remotePath, info.ModTime(), info.ModTime())
	}

	return n, nil
}

// localTarget resolves where a single downloaded file lands: inside local
// when local is (or is spelled as) a directory, at local itself otherwise.
func localTarget(local, baseName string) string {
	if strings.HasSuffix(local, string(os.PathSeparator)) || strings.HasSuffix(local, "/") {
		return filepath.Join(local, baseName)
	}

	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return filepath.Join(local, baseName)
	}

	return local
}

// remoteTarget is the upload-side counterpart of localTarget.
func remoteTarget(sftpClient *sftp.Client, remotePath, baseName string) string {
	if strings.HasSuffix(remotePath, "/") {
		return path.Join(remotePath, baseName)
	}

	if info, err := sftpClient.Stat(remotePath); err == nil && info.IsDir() {
		return path.Join(remotePath, baseName)
	}

	return remotePath
}

// stagingName builds a collision-free tarball name for a source path.
func stagingName(srcPath string) string {
	base := path.Base(strings.TrimSuffix(filepath.ToSlash(srcPath), "/"))
	if base == "" || base == "." || base == "/" {
		base = "transfer"
	}

	return fmt.Sprintf("%s_transfer_%s.tar.gz", base, uuid.NewString()[:8])
}

// remoteTarCommand packs srcPath on the remote host into archivePath,
// changing into the parent directory so the tarball holds only the target's
// base name.
func remoteTarCommand(archivePath, srcPath string, exclude []string) string {
	var b strings.Builder

	b.WriteString("tar -czf ")
	b.WriteString(shellQuote(archivePath))

	for _, pattern := range exclude {
		b.WriteString(" --exclude=")
		b.WriteString(shellQuote(pattern))
	}

	src := strings.TrimSuffix(srcPath, "/")
	parent := path.Dir(src)
	target := path.Base(src)

	b.WriteString(" -C ")
	b.WriteString(shellQuote(parent))
	b.WriteString(" ")
	b.WriteString(shellQuote(target))

	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
