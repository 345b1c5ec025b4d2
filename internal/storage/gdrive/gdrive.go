package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client uploads artifacts into a Drive folder. The object key becomes the
// file name.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

// NewFromRefreshToken builds a Drive service authorised by an OAuth refresh token.
func NewFromRefreshToken(ctx context.Context, clientID, clientSecret, refreshToken, folderID string, opts ...option.ClientOption) (*Client, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, fmt.Errorf("gdrive client id, secret and refresh token are required")
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	tok := &oauth2.Token{RefreshToken: refreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return NewClient(srv, folderID), nil
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) Upload(ctx context.Context, data []byte, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}

	file := &drive.File{Name: path.Base(key)}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).Fields("id", "webContentLink")
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		call = call.Media(bytes.NewReader(data), googleapi.ContentType(ct))
	} else {
		call = call.Media(bytes.NewReader(data))
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gdrive upload failed: %w", err)
	}
	if created.WebContentLink != "" {
		return created.WebContentLink, nil
	}
	return created.Id, nil
}
