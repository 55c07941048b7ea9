package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronicleprotocol/go-lib/errutil"
	"github.com/chronicleprotocol/go-lib/retry"
	"github.com/gobeaver/metafs"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Adapter provides an SFTP implementation of metafs.FileSystem rooted at
// BasePath on the remote host. A dropped connection is re-established on
// the next operation.
type Adapter struct {
	mu      sync.Mutex
	client  *sftp.Client
	sshConn *ssh.Client
	config  Config
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	// HostKey pins the server key in authorized_keys format. Empty accepts
	// any key.
	HostKey    string
	BasePath   string
	DeleteMode metafs.DeleteMode
	// DialAttempts is how many times connecting is tried (default 3).
	DialAttempts int
	PollInterval time.Duration
}

// New creates a new SFTP filesystem adapter and connects to the server.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.DeleteMode == "" {
		cfg.DeleteMode = metafs.DeleteRecursive
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	cfg.BasePath = path.Clean("/" + cfg.BasePath)

	a := &Adapter{config: cfg}
	if _, err := a.conn(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) sshConfig() (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	if a.config.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(a.config.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		sshConfig.HostKeyCallback = ssh.FixedHostKey(key)
	}

	if len(a.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(a.config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return sshConfig, nil
}

// conn returns a live client, reconnecting when the previous connection
// has dropped.
func (a *Adapter) conn(ctx context.Context) (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		if _, err := a.client.Getwd(); err == nil {
			return a.client, nil
		}
		a.closeLocked()
	}

	sshConfig, err := a.sshConfig()
	if err != nil {
		return nil, err
	}
	port := a.config.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", a.config.Host, port)

	err = retry.TryErr(ctx, func(context.Context) error {
		sshConn, err := ssh.Dial("tcp", addr, sshConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to SSH: %w", err)
		}
		client, err := sftp.NewClient(sshConn)
		if err != nil {
			sshConn.Close()
			return fmt.Errorf("failed to create SFTP client: %w", err)
		}
		a.sshConn, a.client = sshConn, client
		return nil
	}, a.config.DialAttempts, time.Second)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Dial, handshake and authentication failures all land here.
		return nil, metafs.Unavailable(err)
	}
	return a.client, nil
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Adapter) closeLocked() error {
	var err error
	if a.client != nil {
		if cerr := a.client.Close(); cerr != nil {
			err = errutil.Append(err, cerr)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if cerr := a.sshConn.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = errutil.Append(err, cerr)
		}
		a.sshConn = nil
	}
	return err
}

// Capabilities implements metafs.FileSystem
func (a *Adapter) Capabilities() metafs.Capabilities {
	return metafs.Capabilities{DeleteMode: a.config.DeleteMode}
}

// fullPath joins the base path and a clean relative path. CleanPath
// already clamps ".." so the result never leaves the base path.
func (a *Adapter) fullPath(clean string) string {
	return path.Join(a.config.BasePath, clean)
}

// prepare checks the context, cleans p and returns a live client.
func (a *Adapter) prepare(ctx context.Context, op, p string) (*sftp.Client, string, error) {
	clean := metafs.CleanPath(p)
	if err := ctx.Err(); err != nil {
		return nil, clean, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, clean, &metafs.PathError{Op: op, Path: clean, Err: err}
	}
	return client, clean, nil
}

// Write implements metafs.FileWriter. Content goes to a temporary file
// that is renamed over the target.
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...metafs.Option) error {
	client, clean, err := a.prepare(ctx, "write", filePath)
	if err != nil {
		return err
	}
	if clean == "" {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	full := a.fullPath(clean)
	if info, err := client.Stat(full); err == nil && info.IsDir() {
		return &metafs.PathError{Op: "write", Path: clean, Err: metafs.ErrIsDir}
	}
	if err := a.mkdirAll(client, path.Dir(full)); err != nil {
		return mapSFTPError("write", clean, err)
	}

	tmp := path.Join(path.Dir(full), fmt.Sprintf(".metafs-%d", time.Now().UnixNano()))
	file, err := client.Create(tmp)
	if err != nil {
		return mapSFTPError("write", clean, err)
	}
	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		client.Remove(tmp)
		return &metafs.PathError{Op: "write", Path: clean, Err: err}
	}
	if err := file.Close(); err != nil {
		client.Remove(tmp)
		return mapSFTPError("write", clean, err)
	}
	if err := client.PosixRename(tmp, full); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		client.Remove(full)
		if err := client.Rename(tmp, full); err != nil {
			client.Remove(tmp)
			return mapSFTPError("write", clean, err)
		}
	}
	return nil
}

// mkdirAll creates dir and its parents, failing with ErrNotDir when a
// component is a file.
func (a *Adapter) mkdirAll(client *sftp.Client, dir string) error {
	for p := dir; p != a.config.BasePath && p != "/" && p != "."; p = path.Dir(p) {
		if info, err := client.Stat(p); err == nil && !info.IsDir() {
			return fmt.Errorf("%w: %s", metafs.ErrNotDir, p)
		}
	}
	return client.MkdirAll(dir)
}

// Read implements metafs.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	client, clean, err := a.prepare(ctx, "read", filePath)
	if err != nil {
		return nil, err
	}
	full := a.fullPath(clean)
	info, err := client.Stat(full)
	if err != nil {
		return nil, mapSFTPError("read", clean, err)
	}
	if info.IsDir() {
		return nil, &metafs.PathError{Op: "read", Path: clean, Err: metafs.ErrIsDir}
	}

	file, err := client.Open(full)
	if err != nil {
		return nil, mapSFTPError("read", clean, err)
	}
	return file, nil
}

// Exists implements metafs.FileReader
func (a *Adapter) Exists(ctx context.Context, filePath string) (bool, error) {
	_, err := a.Stat(ctx, filePath)
	if err == nil {
		return true, nil
	}
	if metafs.IsNotExist(err) || metafs.KindOf(err) == metafs.KindNotADirectory {
		return false, nil
	}
	return false, err
}

// Stat implements metafs.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*metafs.FileInfo, error) {
	client, clean, err := a.prepare(ctx, "stat", filePath)
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(a.fullPath(clean))
	if err != nil {
		return nil, mapSFTPError("stat", clean, err)
	}
	fi := toFileInfo(clean, info)
	return &fi, nil
}

func toFileInfo(clean string, info os.FileInfo) metafs.FileInfo {
	fi := metafs.FileInfo{
		Name:    info.Name(),
		Path:    clean,
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if clean == "" {
		fi.Name = ""
	}
	if !fi.IsDir {
		fi.Size = info.Size()
		fi.ContentType = metafs.GuessContentType(info.Name(), nil)
	}
	return fi
}

// List implements metafs.FileReader
func (a *Adapter) List(ctx context.Context, dirPath string) ([]metafs.FileInfo, error) {
	client, clean, err := a.prepare(ctx, "list", dirPath)
	if err != nil {
		return nil, err
	}
	full := a.fullPath(clean)
	info, err := client.Stat(full)
	if err != nil {
		return nil, mapSFTPError("list", clean, err)
	}
	if !info.IsDir() {
		return nil, &metafs.PathError{Op: "list", Path: clean, Err: metafs.ErrNotDir}
	}

	entries, err := client.ReadDir(full)
	if err != nil {
		return nil, mapSFTPError("list", clean, err)
	}
	files := make([]metafs.FileInfo, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".metafs-") {
			continue
		}
		// Follow symlinks so a link to a directory lists as a directory.
		if e.Mode()&os.ModeSymlink != 0 {
			target, err := client.Stat(path.Join(full, e.Name()))
			if err != nil {
				continue
			}
			e = target
		}
		files = append(files, toFileInfo(path.Join(clean, e.Name()), e))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// MakeDir implements metafs.FileWriter
func (a *Adapter) MakeDir(ctx context.Context, dirPath string) error {
	client, clean, err := a.prepare(ctx, "mkdir", dirPath)
	if err != nil {
		return err
	}
	full := a.fullPath(clean)
	if info, err := client.Stat(full); err == nil {
		if info.IsDir() {
			return nil
		}
		return &metafs.PathError{Op: "mkdir", Path: clean, Err: metafs.ErrExist}
	}
	if err := a.mkdirAll(client, full); err != nil {
		return mapSFTPError("mkdir", clean, err)
	}
	return nil
}

// Delete implements metafs.FileWriter
func (a *Adapter) Delete(ctx context.Context, filePath string) error {
	client, clean, err := a.prepare(ctx, "delete", filePath)
	if err != nil {
		return err
	}
	if clean == "" {
		return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotAllowed}
	}
	full := a.fullPath(clean)
	info, err := client.Lstat(full)
	if err != nil {
		return mapSFTPError("delete", clean, err)
	}
	if !info.IsDir() {
		if err := client.Remove(full); err != nil {
			return mapSFTPError("delete", clean, err)
		}
		return nil
	}

	if a.config.DeleteMode == metafs.DeleteStrict {
		entries, err := client.ReadDir(full)
		if err != nil {
			return mapSFTPError("delete", clean, err)
		}
		if len(entries) > 0 {
			return &metafs.PathError{Op: "delete", Path: clean, Err: metafs.ErrNotEmpty}
		}
		if err := client.RemoveDirectory(full); err != nil {
			return mapSFTPError("delete", clean, err)
		}
		return nil
	}
	if err := client.RemoveAll(full); err != nil {
		return mapSFTPError("delete", clean, err)
	}
	return nil
}

// mapSFTPError maps SFTP errors to metafs errors
func mapSFTPError(op, p string, err error) error {
	var target error
	var status *sftp.StatusError
	switch {
	case errors.Is(err, metafs.ErrNotDir):
		return &metafs.PathError{Op: op, Path: p, Err: err}
	case metafs.IsTransportError(err), errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
	case errors.Is(err, fs.ErrNotExist):
		target = metafs.ErrNotExist
	case errors.Is(err, fs.ErrPermission):
		target = metafs.ErrPermission
	case errors.Is(err, fs.ErrExist):
		target = metafs.ErrExist
	case errors.As(err, &status):
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			target = metafs.ErrNotExist
		case sftp.ErrSSHFxPermissionDenied:
			target = metafs.ErrPermission
		case sftp.ErrSSHFxNoConnection, sftp.ErrSSHFxConnectionLost:
			return &metafs.PathError{Op: op, Path: p, Err: metafs.Unavailable(err)}
		}
	}
	if target == nil {
		return &metafs.PathError{Op: op, Path: p, Err: err}
	}
	return &metafs.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %v", target, err)}
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Copy implements metafs.CanCopy by streaming through the client. SFTP has
// no server-side copy.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	client, srcClean, err := a.prepare(ctx, "copy", src)
	if err != nil {
		return err
	}
	dstClean := metafs.CleanPath(dst)
	if srcClean == "" || dstClean == srcClean || strings.HasPrefix(dstClean, srcClean+"/") {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrNotAllowed}
	}
	srcPath, dstPath := a.fullPath(srcClean), a.fullPath(dstClean)
	if _, err := client.Lstat(dstPath); err == nil {
		return &metafs.PathError{Op: "copy", Path: dstClean, Err: metafs.ErrExist}
	}
	info, err := client.Stat(srcPath)
	if err != nil {
		return mapSFTPError("copy", srcClean, err)
	}
	if !info.IsDir() {
		return a.copyFile(client, srcPath, dstPath, dstClean)
	}

	walker := client.Walk(srcPath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return mapSFTPError("copy", srcClean, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		target := path.Join(dstPath, strings.TrimPrefix(walker.Path(), srcPath))
		if walker.Stat().IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return mapSFTPError("copy", dstClean, err)
			}
			continue
		}
		if err := a.copyFile(client, walker.Path(), target, dstClean); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) copyFile(client *sftp.Client, srcPath, dstPath, dstClean string) error {
	in, err := client.Open(srcPath)
	if err != nil {
		return mapSFTPError("copy", dstClean, err)
	}
	defer in.Close()

	if err := a.mkdirAll(client, path.Dir(dstPath)); err != nil {
		return mapSFTPError("copy", dstClean, err)
	}
	out, err := client.Create(dstPath)
	if err != nil {
		return mapSFTPError("copy", dstClean, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return mapSFTPError("copy", dstClean, err)
	}
	if err := out.Close(); err != nil {
		return mapSFTPError("copy", dstClean, err)
	}
	return nil
}

// Move implements metafs.FileWriter using SFTP's native Rename.
func (a *Adapter) Move(ctx context.Context, src, dst string) error {
	client, srcClean, err := a.prepare(ctx, "move", src)
	if err != nil {
		return err
	}
	dstClean := metafs.CleanPath(dst)
	if srcClean == "" || dstClean == "" || dstClean == srcClean || strings.HasPrefix(dstClean, srcClean+"/") {
		return &metafs.PathError{Op: "move", Path: dstClean, Err: metafs.ErrNotAllowed}
	}
	srcPath, dstPath := a.fullPath(srcClean), a.fullPath(dstClean)
	if _, err := client.Lstat(srcPath); err != nil {
		return mapSFTPError("move", srcClean, err)
	}
	if _, err := client.Lstat(dstPath); err == nil {
		return &metafs.PathError{Op: "move", Path: dstClean, Err: metafs.ErrExist}
	}
	if err := a.mkdirAll(client, path.Dir(dstPath)); err != nil {
		return mapSFTPError("move", dstClean, err)
	}
	if err := client.Rename(srcPath, dstPath); err != nil {
		return mapSFTPError("move", srcClean, err)
	}
	return nil
}

// Checksum implements metafs.CanChecksum by reading and hashing the file.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm metafs.ChecksumAlgorithm) (string, error) {
	reader, err := a.Read(ctx, filePath)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	checksum, err := metafs.CalculateChecksum(reader, algorithm)
	if err != nil {
		return "", &metafs.PathError{Op: "checksum", Path: metafs.CleanPath(filePath), Err: err}
	}
	return checksum, nil
}

// Watch implements metafs.CanWatch by polling.
func (a *Adapter) Watch(ctx context.Context, filter string) (metafs.ChangeToken, error) {
	return metafs.PollWatch(ctx, a, filter, a.config.PollInterval)
}

// Ensure Adapter implements required and optional interfaces
var (
	_ metafs.FileSystem  = (*Adapter)(nil)
	_ metafs.CanCopy     = (*Adapter)(nil)
	_ metafs.CanChecksum = (*Adapter)(nil)
	_ metafs.CanWatch    = (*Adapter)(nil)
	_ io.Closer          = (*Adapter)(nil)
)
