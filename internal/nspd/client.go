// Package nspd looks up locality and municipal border polygons in the
// national spatial data registry (НСПД) by registry number.
package nspd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultURL is the public registry endpoint.
const DefaultURL = "https://nspd.gov.ru"

// searchPath is the geoportal layer search endpoint.
const searchPath = "/api/geoportal/v2/search/geoportal"

// Config configures the registry HTTP client.
type Config struct {
	URL         string
	Timeout     time.Duration
	InsecureTLS bool
}

// Client queries the registry search API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a registry client. Empty settings fall back to
// DefaultURL and a 30 second timeout.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		// The registry has served certificates signed by the Russian national CA.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// searchResponse is the envelope returned by the geoportal search.
type searchResponse struct {
	Data *struct {
		Features []json.RawMessage `json:"features"`
	} `json:"data"`
}

// Search returns the raw features matching query in layer. A registry
// answer of 404 or 204 means no match and yields an empty result.
func (c *Client) Search(ctx context.Context, query string, layer int) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("layersId", strconv.Itoa(layer))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.baseURL+"/map")
	req.Header.Set("User-Agent", "mapnotebook")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("registry error: %s - %s", resp.Status, truncate(string(body), 200))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if sr.Data == nil {
		return nil, nil
	}
	return sr.Data.Features, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
