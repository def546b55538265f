// Package fetch provides tile fetchers and the bounded fetch queue used by a
// tile layer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrEmptyTile is returned when a source answers with a zero length body.
var ErrEmptyTile = errors.New("empty tile")

// StatusError reports a non 200 answer from a tile server.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status code %d", e.URL, e.Code)
}

// DefaultTimeout is the client timeout of NewHTTP.
const DefaultTimeout = 30 * time.Second

// HTTP fetches tiles whose source is a URL.
type HTTP struct {
	Client    *http.Client
	UserAgent string
	Header    http.Header

	log log.FieldLogger
}

// NewHTTP creates an HTTP fetcher with its own client. A non-positive
// timeout uses DefaultTimeout.
func NewHTTP(timeout time.Duration, logger log.FieldLogger) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTP{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "tilelayer/0.1",
		log:       logger,
	}
}

// Fetch downloads the tile at url.
func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request %s: %w", url, err)
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(body) == 0 {
		return nil, ErrEmptyTile
	}
	if h.log != nil {
		h.log.Debugf("fetched %s, %.3fs, %.2f kb", url, time.Since(start).Seconds(), float32(len(body))/1024.0)
	}
	return body, nil
}
