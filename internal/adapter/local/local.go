package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ning0612/xferd/internal/adapter"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/progress"
)

const bufferSize = 64 * 1024

// Adapter serves a local directory tree (mounted share or test fixture)
// through the adapter contract. Remote paths are resolved under root.
type Adapter struct {
	root string
}

// New creates a new local filesystem adapter
// root must be an existing directory
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, absRoot)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotDirectory, absRoot)
	}

	return &Adapter{root: absRoot}, nil
}

// Protocol implements adapter.Adapter
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolLocal }

// ConcurrencySafe implements adapter.ConcurrencySafe
func (a *Adapter) ConcurrencySafe() bool { return true }

// Root returns the root path of this adapter
func (a *Adapter) Root() string {
	return a.root
}

// resolvePath resolves a remote path to an absolute path within root.
// A leading slash means the root itself; escaping root is denied.
func (a *Adapter) resolvePath(remotePath string) (string, error) {
	p := strings.TrimLeft(filepath.ToSlash(remotePath), "/")
	if p == "" || p == "." {
		return a.root, nil
	}

	fullPath := filepath.Join(a.root, filepath.FromSlash(filepath.Clean(p)))

	rel, err := filepath.Rel(a.root, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes root", domain.ErrPermissionDenied, remotePath)
	}

	return fullPath, nil
}

// List returns the entries directly under path
func (a *Adapter) List(ctx context.Context, path string) ([]domain.FileItem, error) {
	fullPath, err := a.resolvePath(path)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolLocal, "list", path, err)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, domain.WrapOp(domain.ProtocolLocal, "list", path, mapError(err))
	}

	result := make([]domain.FileItem, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, domain.WrapOp(domain.ProtocolLocal, "list", path, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err()))
		}

		info, err := entry.Info()
		if err != nil {
			continue // Skip entries removed while listing
		}
		result = append(result, fileItemFromOS(info))
	}

	return result, nil
}

// Upload writes src under root via a temp file and an atomic rename
func (a *Adapter) Upload(ctx context.Context, src adapter.Source, remotePath string, onProgress adapter.ProgressFunc) error {
	fullPath, err := a.resolvePath(remotePath)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "upload", remotePath, err)
	}

	rc, err := src.Open()
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "upload", remotePath, err)
	}
	defer rc.Close()

	err = writeAtomic(ctx, fullPath, rc, src.Size(), adapter.ModeOf(src), onProgress)
	return domain.WrapOp(domain.ProtocolLocal, "upload", remotePath, err)
}

// Download copies the file under root to localPath
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string, onProgress adapter.ProgressFunc) error {
	fullPath, err := a.resolvePath(remotePath)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "download", remotePath, err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "download", remotePath, mapError(err))
	}
	if info.IsDir() {
		return domain.WrapOp(domain.ProtocolLocal, "download", remotePath, fmt.Errorf("%w: is a directory", domain.ErrIO))
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "download", remotePath, mapError(err))
	}
	defer file.Close()

	err = writeAtomic(ctx, localPath, file, info.Size(), info.Mode().Perm(), onProgress)
	return domain.WrapOp(domain.ProtocolLocal, "download", remotePath, err)
}

// writeAtomic copies r into a temp file next to dst and renames it into place.
// The temp file is removed on failure or cancellation.
func writeAtomic(ctx context.Context, dst string, r io.Reader, total int64, mode os.FileMode, onProgress adapter.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return mapError(err)
	}

	tempPath := dst + ".xferd.tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return mapError(err)
	}

	_, copyErr := progress.Copy(ctx, file, r, total, bufferSize, onProgress)
	closeErr := file.Close()

	if copyErr != nil {
		os.Remove(tempPath)
		if errors.Is(copyErr, domain.ErrCancelled) {
			return copyErr
		}
		return fmt.Errorf("%w: %v", domain.ErrIO, copyErr)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: %v", domain.ErrIO, closeErr)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return mapError(err)
	}

	return nil
}

// Delete removes a file or empty directory
func (a *Adapter) Delete(ctx context.Context, path string) error {
	fullPath, err := a.resolvePath(path)
	if err == nil && fullPath == a.root {
		err = fmt.Errorf("%w: cannot delete root", domain.ErrPermissionDenied)
	}
	if err == nil {
		err = mapError(os.Remove(fullPath))
	}
	return domain.WrapOp(domain.ProtocolLocal, "delete", path, err)
}

// Mkdir creates a directory and any necessary parents
func (a *Adapter) Mkdir(ctx context.Context, path string) error {
	fullPath, err := a.resolvePath(path)
	if err == nil {
		err = mapError(os.MkdirAll(fullPath, 0755))
	}
	return domain.WrapOp(domain.ProtocolLocal, "mkdir", path, err)
}

// Rename moves from to to, both under root
func (a *Adapter) Rename(ctx context.Context, from, to string) error {
	src, err := a.resolvePath(from)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "rename", from, err)
	}
	dst, err := a.resolvePath(to)
	if err != nil {
		return domain.WrapOp(domain.ProtocolLocal, "rename", to, err)
	}
	return domain.WrapOp(domain.ProtocolLocal, "rename", from, mapError(os.Rename(src, dst)))
}

// Chmod changes the permission bits of path
func (a *Adapter) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	fullPath, err := a.resolvePath(path)
	if err == nil {
		err = mapError(os.Chmod(fullPath, mode.Perm()))
	}
	return domain.WrapOp(domain.ProtocolLocal, "chmod", path, err)
}

// Close releases any resources (no-op for local adapter)
func (a *Adapter) Close() error {
	return nil
}

// fileItemFromOS converts os.FileInfo to domain.FileItem
func fileItemFromOS(info os.FileInfo) domain.FileItem {
	item := domain.FileItem{
		Name:        info.Name(),
		Type:        domain.FileTypeFile,
		Size:        info.Size(),
		Modified:    info.ModTime(),
		Permissions: info.Mode().String(),
	}
	if info.IsDir() {
		item.Type = domain.FileTypeDirectory
		item.Size = 0
	}
	return item
}

// mapError converts OS errors to domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case os.IsExist(err):
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	}

	return fmt.Errorf("%w: %v", domain.ErrIO, err)
}

var (
	_ adapter.Adapter         = (*Adapter)(nil)
	_ adapter.Deleter         = (*Adapter)(nil)
	_ adapter.DirMaker        = (*Adapter)(nil)
	_ adapter.Renamer         = (*Adapter)(nil)
	_ adapter.Chmoder         = (*Adapter)(nil)
	_ adapter.ConcurrencySafe = (*Adapter)(nil)
)
