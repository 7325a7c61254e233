// Package gdrive stores objects in a Google Drive folder. Drive addresses
// files by id, so the key returned from PutObject is the file id and the
// caller's key only becomes the file name.
package gdrive

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

// Dial builds a Drive client from a stored refresh token.
func Dial(ctx context.Context, cfg config.GDriveConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.Validation("gdrive client id, secret and refresh token are required")
	}
	conf := OAuthConfig(cfg, "")
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "gdrive.dial", "create drive service")
	}
	return NewClient(srv, cfg.FolderID), nil
}

// OAuthConfig is the Drive OAuth client. Only files created by the app are
// reachable (drive.file scope).
func OAuthConfig(cfg config.GDriveConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}
	var opts []googleapi.MediaOption
	if in.ContentType != "" {
		opts = append(opts, googleapi.ContentType(in.ContentType))
	}

	created, err := c.srv.Files.Create(file).
		Media(in.Reader, opts...).
		SupportsAllDrives(true).
		Fields("id", "size").
		Context(ctx).
		Do()
	if err != nil {
		return ports.PutObjectOutput{}, mapErr(err, "gdrive.put", in.ObjectKey)
	}
	size := created.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, mapErr(err, "gdrive.get", objectKey)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	err := c.srv.Files.Delete(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		err = mapErr(err, "gdrive.delete", objectKey)
		if errors.IsNotFound(err) {
			return nil
		}
	}
	return err
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{}, errors.Validation("gdrive does not sign URLs; use the content endpoint")
}

func mapErr(err error, op, key string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return errors.NotFound("object", key)
	}
	return errors.Wrap(err, op, key)
}
