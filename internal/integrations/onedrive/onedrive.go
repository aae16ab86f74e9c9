// Package onedrive talks to the Microsoft Graph drive API.
package onedrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
)

// Item is a drive item: a folder or a file.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WebURL      string `json:"webUrl"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl"`
	Folder      *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
	ParentReference struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	} `json:"parentReference"`
}

// IsFolder reports whether the item is a folder.
func (i Item) IsFolder() bool { return i.Folder != nil }

// MimeType returns the file mime type, empty for folders.
func (i Item) MimeType() string {
	if i.File == nil {
		return ""
	}
	return i.File.MimeType
}

// Account is the signed-in Graph user.
type Account struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email prefers mail over the principal name.
func (a Account) Email() string {
	if a.Mail != "" {
		return a.Mail
	}
	return a.UserPrincipalName
}

// RootID addresses the drive root in item paths.
const RootID = "root"

const pageSize = "200"

// Client wraps the shared REST transport with drive operations.
type Client struct {
	rest *remote.Client
}

// New creates a Graph client rooted at baseURL (e.g. https://graph.microsoft.com/v1.0).
func New(baseURL string, creds remote.Credentials, opts ...remote.Option) *Client {
	return &Client{rest: remote.New(baseURL, creds, opts...)}
}

// WithCredentials returns a client using other credentials.
func (c *Client) WithCredentials(creds remote.Credentials) *Client {
	return &Client{rest: c.rest.WithCredentials(creds)}
}

// Me returns the signed-in account. It doubles as the reachability ping.
func (c *Client) Me(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.rest.Do(ctx, remote.Request{Method: http.MethodGet, Path: "/me"}, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Ping issues the lightweight drive call used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rest.Do(ctx, remote.Request{Method: http.MethodGet, Path: "/me/drive", Query: url.Values{"$select": {"id"}}}, nil)
}

// GetItemByPath resolves an absolute drive path such as /Cabinet/Clients.
func (c *Client) GetItemByPath(ctx context.Context, drivePath string) (*Item, error) {
	var item Item
	if err := c.rest.Do(ctx, remote.Request{Method: http.MethodGet, Path: itemPath(drivePath)}, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateFolder creates name under parentID and fails with a 409 when it exists.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	body := map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	}
	var item Item
	req := remote.Request{Method: http.MethodPost, Path: "/me/drive/items/" + url.PathEscape(parentID) + "/children", JSON: body}
	if err := c.rest.Do(ctx, req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// EnsureFolder returns the folder name under parent, creating it when absent.
// created is false when an existing folder was located.
func (c *Client) EnsureFolder(ctx context.Context, parentID, parentPath, name string) (item *Item, created bool, err error) {
	item, err = c.CreateFolder(ctx, parentID, name)
	if err == nil {
		return item, true, nil
	}
	if !remote.IsConflict(err) {
		return nil, false, err
	}
	item, err = c.GetItemByPath(ctx, JoinPath(parentPath, name))
	if err != nil {
		return nil, false, fmt.Errorf("locate existing folder %q: %w", name, err)
	}
	if !item.IsFolder() {
		return nil, false, fmt.Errorf("%s exists and is not a folder", JoinPath(parentPath, name))
	}
	return item, false, nil
}

// EnsurePath walks drivePath from the drive root, creating missing folders.
// It returns the last folder and how many folders were created.
func (c *Client) EnsurePath(ctx context.Context, drivePath string) (*Item, int, error) {
	item, err := c.GetItemByPath(ctx, drivePath)
	if err == nil {
		return item, 0, nil
	}
	if !remote.IsNotFound(err) {
		return nil, 0, err
	}

	parentID, parentPath := RootID, "/"
	created := 0
	for _, segment := range splitPath(drivePath) {
		folder, made, err := c.EnsureFolder(ctx, parentID, parentPath, segment)
		if err != nil {
			return nil, created, err
		}
		if made {
			created++
		}
		item = folder
		parentID, parentPath = folder.ID, JoinPath(parentPath, segment)
	}
	if item == nil {
		return nil, created, errors.New("empty drive path")
	}
	return item, created, nil
}

// ListChildren returns every child of a folder, following paging links.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]Item, error) {
	var items []Item
	req := remote.Request{
		Method: http.MethodGet,
		Path:   "/me/drive/items/" + url.PathEscape(folderID) + "/children",
		Query:  url.Values{"$top": {pageSize}},
	}
	for {
		var page struct {
			Value    []Item `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.rest.Do(ctx, req, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Value...)
		if page.NextLink == "" {
			return items, nil
		}
		req = remote.Request{Method: http.MethodGet, Path: page.NextLink}
	}
}

// Upload stores content as name inside parentID, replacing any same-named file.
// Content above MaxSimpleUpload goes through an upload session.
func (c *Client) Upload(ctx context.Context, parentID, name, contentType string, content []byte) (*Item, error) {
	if len(content) > MaxSimpleUpload {
		return c.uploadLarge(ctx, parentID, name, content)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var item Item
	req := remote.Request{
		Method:      http.MethodPut,
		Path:        childPath(parentID, name) + ":/content",
		Body:        content,
		ContentType: contentType,
	}
	if err := c.rest.Do(ctx, req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

const (
	// MaxSimpleUpload is the largest body sent in a single PUT.
	MaxSimpleUpload = 4 << 20
	// UploadChunkSize is the fragment size of session uploads. Graph requires
	// a multiple of 320 KiB.
	UploadChunkSize = 10 * 320 << 10
)

// uploadLarge creates an upload session and sends content in sequential
// fragments. The session URL is pre-authorized and gets no bearer token.
func (c *Client) uploadLarge(ctx context.Context, parentID, name string, content []byte) (*Item, error) {
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	create := remote.Request{
		Method: http.MethodPost,
		Path:   childPath(parentID, name) + ":/createUploadSession",
		JSON: map[string]any{"item": map[string]string{
			"@microsoft.graph.conflictBehavior": "replace",
			"name":                              name,
		}},
	}
	if err := c.rest.Do(ctx, create, &session); err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}
	if session.UploadURL == "" {
		return nil, errors.New("create upload session: no upload url")
	}

	total := len(content)
	for start := 0; start < total; start += UploadChunkSize {
		end := min(start+UploadChunkSize, total)
		var fragment struct {
			Item
			NextExpectedRanges []string `json:"nextExpectedRanges"`
		}
		err := c.rest.Do(ctx, remote.Request{
			Method:      http.MethodPut,
			Path:        session.UploadURL,
			Body:        content[start:end],
			ContentType: "application/octet-stream",
			Header:      http.Header{"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", start, end-1, total)}},
			Anonymous:   true,
		}, &fragment)
		if err != nil {
			_ = c.rest.Do(ctx, remote.Request{Method: http.MethodDelete, Path: session.UploadURL, Anonymous: true}, nil)
			return nil, fmt.Errorf("upload bytes %d-%d: %w", start, end-1, err)
		}
		if fragment.ID != "" {
			return &fragment.Item, nil
		}
	}
	return nil, errors.New("upload session ended without an item")
}

func childPath(parentID, name string) string {
	return "/me/drive/items/" + url.PathEscape(parentID) + ":/" + url.PathEscape(name)
}

// JoinPath joins drive path segments with a single leading slash.
func JoinPath(parts ...string) string {
	return path.Join(append([]string{"/"}, parts...)...)
}

// SanitizeName replaces characters OneDrive rejects in item names.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '"', '*', ':', '<', '>', '?', '/', '\\', '|':
			return '-'
		}
		return r
	}, name)
	return strings.Trim(strings.TrimSpace(name), ".")
}

func itemPath(drivePath string) string {
	segments := splitPath(drivePath)
	if len(segments) == 0 {
		return "/me/drive/root"
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/me/drive/root:/" + strings.Join(escaped, "/")
}

func splitPath(drivePath string) []string {
	var out []string
	for _, s := range strings.Split(drivePath, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
