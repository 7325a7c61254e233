package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	root := t.TempDir()
	fs := New(root)
	ctx := context.Background()

	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "jobs/job_1/frames/output_3.png",
		Reader:    strings.NewReader("pixels"),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.Size != 6 || out.ObjectKey != "jobs/job_1/frames/output_3.png" {
		t.Errorf("unexpected output %+v", out)
	}

	rc, ct, size, err := fs.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "pixels" || size != 6 || ct != "image/png" {
		t.Errorf("got %q size=%d type=%s", b, size, ct)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "jobs", "job_1", "frames"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Fatal(err)
	}
	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Errorf("deleting twice should be a no-op, got %v", err)
	}
	if _, _, _, err := fs.GetObject(ctx, out.ObjectKey); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestKeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	fs := New(root)

	tests := []struct {
		key     string
		wantErr bool
	}{
		{"", true},
		{"scenes/a.blend", false},
		{"../outside.blend", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		p, err := fs.path(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("path(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if err == nil && !strings.HasPrefix(p, root) {
			t.Errorf("path(%q) = %s escapes %s", tt.key, p, root)
		}
	}
}

func TestSignedURLUnsupported(t *testing.T) {
	if _, err := New(t.TempDir()).GetSignedURL(context.Background(), "a", 0); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
