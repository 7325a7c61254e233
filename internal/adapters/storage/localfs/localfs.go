// Package localfs keeps scenes and frames on a local (or mounted) disk.
package localfs

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

// LocalFS stores object keys as slash-separated paths under root.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

// path resolves key under root and rejects keys that escape it.
func (l *LocalFS) path(key string) (string, error) {
	if key == "" {
		return "", errors.ValidationField("object_key", "object_key is required")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	p := filepath.Join(l.root, clean)
	if !strings.HasPrefix(p, filepath.Clean(l.root)+string(filepath.Separator)) {
		return "", errors.ValidationField("object_key", "object_key escapes storage root")
	}
	return p, nil
}

// PutObject writes through a temp file so readers never see a partial frame.
func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "create temp file")
	}
	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", in.ObjectKey)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", 0, errors.NotFound("object", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "localfs.get", objectKey)
	}

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	contentType := mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_, _ = f.Seek(0, io.SeekStart)
		contentType = http.DetectContentType(buf[:n])
	}
	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "localfs.delete", objectKey)
	}
	return nil
}

func (l *LocalFS) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{}, errors.Validation("localfs does not sign URLs; use the content endpoint")
}
