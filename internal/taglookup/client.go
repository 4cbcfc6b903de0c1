// Package taglookup queries a third-party phone-number tagging service.
// The whole package is best-effort: every failure, including a missing
// configuration, yields "no tag" and is never surfaced to the user.
package taglookup

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"screenlens/internal/metrics"
)

// Tag is the structured classification for one phone number.
type Tag struct {
	Code     string `json:"code"`
	CodeType string `json:"codeType"`
	Province string `json:"province"`
}

type Config struct {
	BaseURL    string
	AppID      string
	HTTPClient *http.Client
	Cache      *Cache
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{cfg: cfg, logger: cfg.Logger, metrics: m}
}

// Lookup returns the tag for a phone number, or nil when the number is
// unknown, the service is unconfigured, or anything goes wrong.
func (c *Client) Lookup(ctx context.Context, number string) *Tag {
	number = strings.TrimSpace(number)
	if number == "" || strings.TrimSpace(c.cfg.BaseURL) == "" {
		return nil
	}

	if c.cfg.Cache != nil {
		if tag, found, err := c.cfg.Cache.Get(ctx, number); err == nil && found {
			c.metrics.TagCacheHits.Inc()
			return tag
		}
	}

	tag := c.query(ctx, number)

	if c.cfg.Cache != nil {
		// Negative results are cached too so unknown numbers do not hit
		// the upstream on every screenshot.
		if err := c.cfg.Cache.Put(ctx, number, tag); err != nil {
			c.logger.Debug().Err(err).Msg("tag cache write failed")
		}
	}
	return tag
}

func (c *Client) query(ctx context.Context, number string) *Tag {
	c.metrics.TagLookups.Inc()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/query?num=" + url.QueryEscape(number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	// The upstream requires a signed request; the signing scheme is not
	// public, so only the app id is sent and rejections read as "no tag".
	if c.cfg.AppID != "" {
		req.Header.Set("X-App-Id", c.cfg.AppID)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("number", number).Msg("tag lookup failed")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	return extractTag(body)
}

// extractTag tolerates both a bare tag object and one nested under "data".
func extractTag(body []byte) *Tag {
	var direct Tag
	if err := json.Unmarshal(body, &direct); err == nil && direct.Code != "" {
		return &direct
	}
	var wrapped struct {
		Data *Tag `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil && wrapped.Data.Code != "" {
		return wrapped.Data
	}
	return nil
}
