package cbconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

type FetcherOptions struct {
	HttpClient *http.Client
	Host       string
	Username   string
	Password   string
	Logger     *zap.Logger
}

// Fetcher reads configuration documents from one node's management
// endpoint.
type Fetcher struct {
	httpClient *http.Client
	host       string
	username   string
	password   string
	logger     *zap.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		httpClient: httpClient,
		host:       opts.Host,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

// used to derive the hostname to use for $HOST replacement
func (f *Fetcher) deriveHostname() string {
	u, err := url.Parse(f.host)
	if err != nil {
		return f.host
	}

	return u.Hostname()
}

func (f *Fetcher) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.host+path, nil)
	if err != nil {
		return nil, err
	}

	if f.username != "" || f.password != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	return req, nil
}

func (f *Fetcher) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := f.newRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.Error("unexpected close error", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config request %s failed: %s", path, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// FetchTerseBucket fetches the current terse config for one bucket.
func (f *Fetcher) FetchTerseBucket(ctx context.Context, bucketName string) (*TerseConfigJson, error) {
	body, err := f.doGet(ctx, fmt.Sprintf("/pools/default/b/%s", url.PathEscape(bucketName)))
	if err != nil {
		return nil, err
	}

	return ParseTerseConfig(body, f.deriveHostname())
}

// FetchNodeServices fetches the cluster-level terse config.
func (f *Fetcher) FetchNodeServices(ctx context.Context) (*TerseConfigJson, error) {
	body, err := f.doGet(ctx, "/pools/default/nodeServices")
	if err != nil {
		return nil, err
	}

	return ParseTerseConfig(body, f.deriveHostname())
}

// FetchPoolsDefault fetches the pools endpoint, used as a version probe.
func (f *Fetcher) FetchPoolsDefault(ctx context.Context) (*PoolsDefaultJson, error) {
	body, err := f.doGet(ctx, "/pools/default")
	if err != nil {
		return nil, err
	}

	var pools PoolsDefaultJson
	if err := json.Unmarshal(body, &pools); err != nil {
		return nil, err
	}

	return &pools, nil
}

// ClusterVersion returns the compatibility version of the cluster, which is
// the minimum version across its nodes.
func (f *Fetcher) ClusterVersion(ctx context.Context) (string, error) {
	pools, err := f.FetchPoolsDefault(ctx)
	if err != nil {
		return "", err
	}

	var minVersion string
	for _, node := range pools.Nodes {
		if minVersion == "" || compareVersions(node.Version, minVersion) < 0 {
			minVersion = node.Version
		}
	}

	return minVersion, nil
}
