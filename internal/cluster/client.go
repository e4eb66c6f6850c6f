package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GlobalClient forwards shard flushes to an aggregator hosted by another
// counterd process. Any transport error or non-2xx answer is reported as a
// failed write, which makes the calling shard merge its snapshot back.
type GlobalClient struct {
	BaseURL string
}

// NewGlobalClient returns a client for the counterd instance at baseURL.
func NewGlobalClient(baseURL string) *GlobalClient {
	return &GlobalClient{BaseURL: strings.TrimRight(baseURL, "/")}
}

// ReceiveWrite posts rec to the partition's global write endpoint.
func (c *GlobalClient) ReceiveWrite(ctx context.Context, partition string, rec WriteRecord) error {
	target := fmt.Sprintf("%s/global/%s/write", c.BaseURL, url.PathEscape(partition))
	return PostJSON(ctx, target, rec, nil)
}

// Counters reads the aggregator's exact counter set.
func (c *GlobalClient) Counters(ctx context.Context, partition string) (CounterSet, error) {
	var out CounterSet
	target := fmt.Sprintf("%s/global/%s/counters", c.BaseURL, url.PathEscape(partition))
	if err := GetJSON(ctx, target, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the remote counterd answers its health endpoint.
func (c *GlobalClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
