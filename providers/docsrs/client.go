// Package docsrs measures API documentation from the rustdoc JSON that
// docs.rs publishes for each crate version.
package docsrs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/providers/httpx"
	"github.com/geeknoid/cargo-rank/retry"
)

const DefaultBaseURL = "https://docs.rs"

// maxDecodedSize bounds the decompressed rustdoc JSON.
const maxDecodedSize = 1 << 30

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Client struct {
	rt      *providers.Runtime
	http    *httpx.Client
	baseURL string
}

func NewClient(rt *providers.Runtime, httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		rt:      rt,
		http:    httpx.NewClient(httpClient, nil),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Service() providers.Service {
	return providers.ServiceDocsRs
}

// FetchDocs requires a pinned version. Published documentation never
// changes, so results are cached without expiry.
func (c *Client) FetchDocs(ctx context.Context, id models.PackageIdentity) providers.Outcome[providers.DocsData] {
	if !id.HasVersion() {
		return providers.Unavailable[providers.DocsData](fmt.Errorf("docs.rs needs a version for %s", id.Name()))
	}
	key := cache.Key{Service: string(providers.ServiceDocsRs), Resource: id.Name(), Version: id.Version()}
	return providers.Fetch(ctx, c.rt, key, 0, func(ctx context.Context) (providers.DocsData, error) {
		return c.fetch(ctx, id)
	})
}

func (c *Client) fetch(ctx context.Context, id models.PackageIdentity) (providers.DocsData, error) {
	url := fmt.Sprintf("%s/crate/%s/%s/json", c.baseURL, id.Name(), id.Version())

	var body []byte
	err := c.rt.Call(ctx, providers.ServiceDocsRs, "rustdoc "+id.String(), func(ctx context.Context) error {
		var err error
		body, _, err = c.http.Get(ctx, url, map[string]string{"Accept": "application/zstd, application/json"})
		return err
	})
	if err != nil {
		return providers.DocsData{}, err
	}

	raw, err := decompress(body)
	if err != nil {
		return providers.DocsData{}, retry.ParseError(err)
	}
	return Measure(raw, id.Name())
}

func decompress(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, zstdMagic) {
		return body, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress rustdoc json: %w", err)
	}
	return out, nil
}
