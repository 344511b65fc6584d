package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/metrics"
)

// Client is the HTTP implementation of Backend.
type Client struct {
	host   string
	index  string
	httpc  *http.Client
	log    *slog.Logger
}

// NewClient creates a search client for the given host and index.
func NewClient(host, index string, timeout time.Duration) *Client {
	return &Client{
		host:  strings.TrimRight(host, "/"),
		index: index,
		httpc: &http.Client{
			Timeout: timeout,
		},
		log: logging.Component("search"),
	}
}

// wireResponse mirrors the backend's search response envelope.
type wireResponse struct {
	TimedOut bool `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source Record `json:"_source"`
			Sort   []any  `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations struct {
		Updated struct {
			Buckets []struct {
				KeyAsString string `json:"key_as_string"`
				DocCount    int64  `json:"doc_count"`
			} `json:"buckets"`
		} `json:"updated"`
	} `json:"aggregations"`
}

// Search executes one page query.
func (c *Client) Search(ctx context.Context, q *Query) (*Response, error) {
	if m := metrics.Get(); m != nil {
		m.PageRequests.Inc()
	}

	body, err := json.Marshal(q.Body())
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", c.host, c.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search http %d: %s", resp.StatusCode, string(respBody))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{
		TimedOut: wire.TimedOut,
		Total:    wire.Hits.Total.Value,
	}
	for _, h := range wire.Hits.Hits {
		out.Hits = append(out.Hits, Hit{Source: h.Source, Sort: h.Sort})
	}
	for _, b := range wire.Aggregations.Updated.Buckets {
		key, err := bucket.Parse(b.KeyAsString)
		if err != nil {
			c.log.Warn("skipping unparseable histogram bucket", "key", b.KeyAsString)
			continue
		}
		out.Months = append(out.Months, MonthCount{Key: key, Count: b.DocCount})
	}
	return out, nil
}
