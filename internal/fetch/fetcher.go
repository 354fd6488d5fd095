// Package fetch implements the remote analytics client. It is the only
// component that talks to the DHIS2 API; everything above it sees a
// Payload or a structured fetch error.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/socaya/dhis2cache/pkg/errors"
	"github.com/socaya/dhis2cache/pkg/types"
	"github.com/socaya/dhis2cache/pkg/utils"
)

// DefaultTimeout is the hard per-fetch deadline applied when the
// configuration does not set one.
const DefaultTimeout = 30 * time.Second

// Config represents fetcher configuration
type Config struct {
	BaseURL  string
	Username string
	Password string
	APIToken string
	Timeout  time.Duration
}

// Client fetches analytics data over HTTP. It implements types.Fetcher.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *utils.Logger
}

// NewClient creates an analytics client for the configured DHIS2 instance.
func NewClient(cfg Config, logger *utils.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:    cfg,
		logger: logger.Named("fetch"),
		// The hard deadline rides on the request context, not the client,
		// so caller cancellation and the timeout share one mechanism.
		httpClient: &http.Client{},
	}
}

// analyticsResponse is the wire shape of the analytics endpoint.
type analyticsResponse struct {
	Columns []string    `json:"columns"`
	Rows    []types.Row `json:"rows"`
	Total   int         `json:"total"`
}

// Fetch runs one analytics query. The returned payload carries the rows
// and column order exactly as the server sent them. Errors map onto the
// fetch taxonomy: transport failures are FETCH_NETWORK, the hard deadline
// is FETCH_TIMEOUT, caller cancellation is FETCH_CANCELED, and any non-2xx
// response is FETCH_REMOTE with the status attached.
func (c *Client) Fetch(ctx context.Context, query types.Query) (*types.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqURL, err := c.buildURL(query)
	if err != nil {
		return nil, errors.New(errors.ErrCodeFetchNetwork, "failed to build request URL").
			WithComponent("fetch").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.New(errors.ErrCodeFetchNetwork, "failed to build request").
			WithComponent("fetch").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(ctx, query.DatasetID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf(errors.ErrCodeFetchRemote, "analytics request for %s failed: %s",
			query.DatasetID, strings.TrimSpace(string(snippet))).
			WithComponent("fetch").WithHTTPStatus(resp.StatusCode)
	}

	var wire analyticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errors.Newf(errors.ErrCodeFetchRemote, "analytics response for %s does not decode",
			query.DatasetID).WithComponent("fetch").WithCause(err)
	}

	c.logger.Debug("fetched %s: %d rows in %v", query.DatasetID, len(wire.Rows), time.Since(start))

	payload := &types.Payload{
		Rows:    wire.Rows,
		Columns: wire.Columns,
	}
	// An empty dataset is a valid, cacheable result.
	if payload.Rows == nil {
		payload.Rows = []types.Row{}
	}
	return payload, nil
}

func (c *Client) buildURL(query types.Query) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") +
		fmt.Sprintf("/api/analytics/dataSets/%s", url.PathEscape(query.DatasetID))

	params := url.Values{}
	if len(query.DataElements) > 0 {
		params.Set("dx", strings.Join(query.DataElements, ","))
	}
	if len(query.Periods) > 0 {
		params.Set("pe", strings.Join(query.Periods, ","))
	}
	if len(query.OrgUnits) > 0 {
		params.Set("ou", strings.Join(query.OrgUnits, ","))
	}
	if len(query.Columns) > 0 {
		params.Set("columns", strings.Join(query.Columns, ","))
	}
	if query.Granularity != "" {
		params.Set("granularity", query.Granularity)
	}

	// Stable filter order keeps request URLs reproducible in logs.
	filterKeys := make([]string, 0, len(query.Filters))
	for k := range query.Filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)
	for _, k := range filterKeys {
		params.Add("filter", k+":"+query.Filters[k])
	}

	base.RawQuery = params.Encode()
	return base.String(), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "ApiToken "+c.cfg.APIToken)
		return
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// mapTransportError classifies a failed round trip. Caller cancellation
// must stay distinct from the hard deadline: the queue reports the former
// as a canceled task, while the latter is a retryable fetch failure.
func (c *Client) mapTransportError(ctx context.Context, datasetID string, err error) error {
	switch {
	case ctx.Err() == context.Canceled:
		return errors.Newf(errors.ErrCodeFetchCanceled, "fetch of %s canceled", datasetID).
			WithComponent("fetch").WithCause(err)
	case ctx.Err() == context.DeadlineExceeded:
		return errors.Newf(errors.ErrCodeFetchTimeout, "fetch of %s exceeded %v", datasetID, c.cfg.Timeout).
			WithComponent("fetch").WithCause(err)
	default:
		return errors.Newf(errors.ErrCodeFetchNetwork, "fetch of %s failed", datasetID).
			WithComponent("fetch").WithCause(err)
	}
}
