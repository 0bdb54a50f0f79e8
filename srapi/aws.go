package srapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

// AWSClient fetches the timetable and server-time endpoints.
type AWSClient struct {
	Base string
	HTTP *http.Client
}

func NewAWSClient(base string) *AWSClient {
	return &AWSClient{
		Base: base,
		HTTP: &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *AWSClient) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(bom.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, resp.Header, nil
}

// Timetables returns every scheduled run's timetable for a server.
func (c *AWSClient) Timetables(ctx context.Context, serverCode string) ([]Timetable, error) {
	body, _, err := c.get(ctx, c.Base+"/getAllTimetables?serverCode="+serverCode)
	if err != nil {
		return nil, err
	}
	var runs []Timetable
	if err := json.Unmarshal(body, &runs); err != nil {
		return nil, errors.Wrap(err, "decoding timetables")
	}
	return runs, nil
}

// ServerTimeMillis returns the server's in-game epoch milliseconds and
// the instant of the HTTP Date header, from which the caller derives
// the server's UTC offset.
func (c *AWSClient) ServerTimeMillis(ctx context.Context, serverCode string) (int64, time.Time, error) {
	body, header, err := c.get(ctx, c.Base+"/getTime?serverCode="+serverCode)
	if err != nil {
		return 0, time.Time{}, err
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, time.Time{}, errors.Wrap(err, "decoding server time")
	}
	date, err := http.ParseTime(header.Get("Date"))
	if err != nil {
		return 0, time.Time{}, errors.Wrap(err, "parsing Date header")
	}
	return millis, date, nil
}

// ServerTimeOffsetHours is the best-effort fallback for the zone
// offset, in whole hours.
func (c *AWSClient) ServerTimeOffsetHours(ctx context.Context, serverCode string) (int, error) {
	body, _, err := c.get(ctx, c.Base+"/getTimeZone?serverCode="+serverCode)
	if err != nil {
		return 0, err
	}
	hours, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, errors.Wrap(err, "decoding timezone offset")
	}
	return hours, nil
}
