// Package srapi talks to the two upstream SimRail HTTP APIs: the panel
// API (servers, live trains, positions, dispatch posts) and the AWS API
// (timetables, server time). Both speak JSON; the panel endpoints honour
// If-None-Match/ETag so collectors can skip unchanged payloads.
package srapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

const DefaultTimeout = 5 * time.Second

// Uniform panel response envelope.
type envelope[T any] struct {
	Result bool `json:"result"`
	Data   []T  `json:"data"`
	Count  int  `json:"count"`
}

// PanelClient fetches the open panel endpoints.
type PanelClient struct {
	Base string
	HTTP *http.Client
}

func NewPanelClient(base string) *PanelClient {
	return &PanelClient{
		Base: base,
		HTTP: &http.Client{Timeout: DefaultTimeout},
	}
}

// getConditional performs an etag-conditional GET. On 304 it returns
// modified=false and no entries; on 200 it returns the decoded entries
// and the new etag. Anything else is an error, which callers treat as
// "no new data".
func getConditional[T any](ctx context.Context, hc *http.Client, url, etag string) (entries []T, newEtag string, modified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, etag, false, fmt.Errorf("building request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, etag, false, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, etag, false, nil
	case http.StatusOK:
	default:
		return nil, etag, false, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	// Some upstream responses open with a UTF-8 BOM.
	body, err := io.ReadAll(bom.NewReader(resp.Body))
	if err != nil {
		return nil, etag, false, fmt.Errorf("reading %s: %w", url, err)
	}

	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, etag, false, errors.Wrapf(err, "decoding %s", url)
	}
	if !env.Result {
		return nil, etag, false, errors.Errorf("%s: upstream result=false", url)
	}

	return env.Data, resp.Header.Get("ETag"), true, nil
}

// Servers lists all known servers. Not etag-conditional; the server
// collector diffs the full list every cycle.
func (c *PanelClient) Servers(ctx context.Context) ([]ServerInfo, error) {
	servers, _, _, err := getConditional[ServerInfo](ctx, c.HTTP, c.Base+"/servers-open", "")
	return servers, err
}

func (c *PanelClient) Trains(ctx context.Context, serverCode, etag string) ([]Train, string, bool, error) {
	return getConditional[Train](ctx, c.HTTP, c.Base+"/trains-open?serverCode="+serverCode, etag)
}

func (c *PanelClient) TrainPositions(ctx context.Context, serverCode, etag string) ([]TrainPosition, string, bool, error) {
	return getConditional[TrainPosition](ctx, c.HTTP, c.Base+"/train-positions-open?serverCode="+serverCode, etag)
}

func (c *PanelClient) DispatchPosts(ctx context.Context, serverCode, etag string) ([]DispatchPostInfo, string, bool, error) {
	return getConditional[DispatchPostInfo](ctx, c.HTTP, c.Base+"/stations-open?serverCode="+serverCode, etag)
}
