// Package storage is a client for the hosted object storage API.
package storage

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/zhouzirui/lingo-exchange/client/internal/platform/transport"
)

// Bucket describes a storage bucket.
type Bucket struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Public        bool   `json:"public"`
	FileSizeLimit int64  `json:"file_size_limit,omitempty"`
}

// Client uploads objects and resolves their public URLs.
type Client struct {
	caller *transport.Caller
}

// New returns a storage client for the platform at baseURL.
func New(baseURL, apiKey string, tokens transport.TokenSource) *Client {
	return &Client{caller: transport.NewCaller(baseURL, apiKey, tokens)}
}

// Upload stores data at path inside bucket. When upsert is set an existing
// object at path is overwritten.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	headers := map[string]string{
		"Content-Type": contentType,
		"x-upsert":     "false",
	}
	if upsert {
		headers["x-upsert"] = "true"
	}
	_, err := c.caller.Do(ctx, transport.Request{
		Op:      "upload " + bucket,
		Method:  http.MethodPost,
		Path:    "/storage/v1/object/" + objectPath(bucket, path),
		Body:    bytes.NewReader(data),
		Headers: headers,
	})
	return err
}

// PublicURL returns the public URL of the object at path. It performs no
// request.
func (c *Client) PublicURL(bucket, path string) string {
	return c.caller.BaseURL + "/storage/v1/object/public/" + objectPath(bucket, path)
}

// ListBuckets returns every bucket visible to the caller.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "list buckets",
		Method: http.MethodGet,
		Path:   "/storage/v1/bucket",
		Out:    &buckets,
	})
	return buckets, err
}

// CreateBucket creates bucket with the given visibility and size limit.
func (c *Client) CreateBucket(ctx context.Context, bucket Bucket) error {
	if bucket.ID == "" {
		bucket.ID = bucket.Name
	}
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "create bucket " + bucket.Name,
		Method: http.MethodPost,
		Path:   "/storage/v1/bucket",
		JSON:   bucket,
	})
	return err
}

func objectPath(bucket, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
