package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dunamismax/image-resize-api/internal/domain"
	"github.com/dunamismax/image-resize-api/internal/storage"
)

var (
	errIsDirectory = errors.New("path is a directory")
	errOutsideRoot = errors.New("path resolves outside image root")
)

// Source loads the bytes of the image identified by a path relative to the
// image root. Errors are *domain.Failure values.
type Source interface {
	Fetch(ctx context.Context, imagePath string) ([]byte, error)
}

// LocalSource reads images from a directory on disk. It never writes.
type LocalSource struct {
	Root string
}

func (s LocalSource) Fetch(ctx context.Context, imagePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.IOFailure("fetch", err)
	}

	fullPath, err := ResolvePath(s.Root, imagePath)
	if err != nil {
		return nil, domain.NotFound("resolve", err)
	}

	fullPath, err = followSymlinks(s.Root, fullPath)
	if err != nil {
		return nil, classifyReadError("resolve", err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, classifyReadError("stat", err)
	}
	if info.IsDir() {
		return nil, domain.NotFound("stat", fmt.Errorf("%s: %w", fullPath, errIsDirectory))
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, classifyReadError("read", err)
	}
	return data, nil
}

func classifyReadError(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) || errors.Is(err, errOutsideRoot) {
		return domain.NotFound(op, err)
	}
	return domain.IOFailure(op, err)
}

// ResolvePath joins a user supplied identifier onto root and guarantees the
// result stays inside root.
func ResolvePath(root, imagePath string) (string, error) {
	cleaned, err := domain.CleanImagePath(imagePath)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", domain.ErrInvalidPath)
	}

	root = filepath.Clean(root)
	fullPath := filepath.Join(root, filepath.FromSlash(cleaned))

	if !within(root, fullPath) {
		return "", fmt.Errorf("%w: %q escapes image root", domain.ErrInvalidPath, imagePath)
	}
	return fullPath, nil
}

// followSymlinks resolves every link in fullPath and in root, then checks the
// target again. A link inside the root that points elsewhere is refused.
func followSymlinks(root, fullPath string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	realPath, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		return "", err
	}
	if !within(realRoot, realPath) {
		return "", fmt.Errorf("%s: %w", fullPath, errOutsideRoot)
	}
	return realPath, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

// ObjectStoreSource reads images from a bucket, optionally below a key prefix.
type ObjectStoreSource struct {
	Storage objectReader
	Prefix  string
}

func (s ObjectStoreSource) Fetch(ctx context.Context, imagePath string) ([]byte, error) {
	if s.Storage == nil {
		return nil, domain.IOFailure("fetch", errors.New("storage client is required"))
	}

	key, err := ObjectKey(s.Prefix, imagePath)
	if err != nil {
		return nil, domain.NotFound("resolve", err)
	}

	data, err := s.Storage.ReadObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, domain.NotFound("read", err)
		}
		return nil, domain.IOFailure("read", err)
	}
	return data, nil
}

// ObjectKey maps an identifier onto a key below prefix using the same rules
// as ResolvePath.
func ObjectKey(prefix, imagePath string) (string, error) {
	cleaned, err := domain.CleanImagePath(imagePath)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", domain.ErrInvalidPath)
	}

	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return cleaned, nil
	}
	return path.Join(prefix, cleaned), nil
}
