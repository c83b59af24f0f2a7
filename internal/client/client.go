// Package client talks to a running image studio server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/refslots"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Message
}

// Client is an HTTP client for the studio API. It implements
// refslots.Fetcher so history imports carry the same credentials.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client for the server at serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: server URL must be http or https, got %q", serverURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Minute},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Origin is the server base URL.
func (c *Client) Origin() *url.URL {
	u := *c.base
	return &u
}

// Do sends req with the bearer token attached.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(u).String()
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &eb) == nil {
			apiErr.Message = eb.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Form holds the text fields of a generation request.
type Form struct {
	Prompt      string
	AspectRatio string
	Resolution  string
	APIKey      string
}

// Result is a generated image.
type Result struct {
	URL  string
	Data []byte
}

// Generate posts form and the manager's references to /generate.
// Uploaded slots travel as reference_images parts; when any slot has a
// path, reference_image_paths carries one JSON entry per slot with null
// for slots that have none.
func (c *Client) Generate(ctx context.Context, form Form, refs *refslots.Manager) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"prompt", form.Prompt},
		{"aspect_ratio", form.AspectRatio},
		{"resolution", form.Resolution},
		{"api_key", form.APIKey},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return Result{}, err
		}
	}

	if refs != nil {
		for _, f := range refs.ReferenceFiles() {
			if err := writeFilePart(mw, "reference_images", f); err != nil {
				return Result{}, err
			}
		}
		if paths := pathsJSON(refs.ReferencePaths()); paths != "" {
			if err := mw.WriteField("reference_image_paths", paths); err != nil {
				return Result{}, err
			}
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("/generate"), &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		Image     string `json:"image"`
		ImageData string `json:"image_data"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return Result{}, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.ImageData)
	if err != nil {
		return Result{}, fmt.Errorf("client: decode image data: %w", err)
	}
	return Result{URL: resp.Image, Data: data}, nil
}

func writeFilePart(mw *multipart.Writer, field string, f refslots.File) error {
	data, err := refslots.ReadAll(f)
	if err != nil {
		return fmt.Errorf("client: read %s: %w", f.Name(), err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name()))
	h.Set("Content-Type", f.Type())
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// pathsJSON returns "" when every entry is empty.
func pathsJSON(paths []string) string {
	out := make([]*string, len(paths))
	hasPath := false
	for i := range paths {
		if paths[i] != "" {
			out[i] = &paths[i]
			hasPath = true
		}
	}
	if !hasPath {
		return ""
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// Gallery lists image URLs, newest first. A non-empty query searches
// prompts.
func (c *Client) Gallery(ctx context.Context, query string, limit int) ([]string, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	target := c.resolve("/gallery")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Images []string `json:"images"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// Delete removes a gallery image by file name.
func (c *Client) Delete(ctx context.Context, filename string) error {
	body, _ := json.Marshal(map[string]string{"filename": filename})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("/delete_image"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, nil)
}

// Fetch downloads an image. Relative URLs resolve against the server, and
// a cache-busting query parameter is appended.
func (c *Client) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	sep := "?"
	if strings.Contains(imageURL, "?") {
		sep = "&"
	}
	target := c.resolve(imageURL + sep + "t=" + strconv.FormatInt(c.now().UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: "failed to fetch " + imageURL + ": " + resp.Status}
	}
	return io.ReadAll(resp.Body)
}

// ErrNoMetadata means the image carries no generation metadata.
var ErrNoMetadata = errors.New("image has no generation metadata")

// Metadata downloads imageURL and decodes its embedded metadata.
func (c *Client) Metadata(ctx context.Context, imageURL string) (any, error) {
	data, err := c.Fetch(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	meta := pngmeta.Decode(data, pngmeta.DefaultKey)
	if meta == nil {
		return nil, ErrNoMetadata
	}
	return meta, nil
}
