package cbconfig

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/couchbaselabs/gocbclient/utils/latestonlychannel"
)

type StreamerOptions struct {
	HttpClient *http.Client
	// Hosts are management endpoints ("http://host:port") tried in order
	// until one accepts the stream.
	Hosts      []string
	BucketName string
	Username   string
	Password   string
	Logger     *zap.Logger
}

// Streamer follows the newline-delimited streaming config endpoint for one
// bucket, reconnecting across endpoints with backoff.
type Streamer struct {
	httpClient *http.Client
	hosts      []string
	bucketName string
	username   string
	password   string
	logger     *zap.Logger
}

func NewStreamer(opts StreamerOptions) *Streamer {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Streamer{
		httpClient: httpClient,
		hosts:      opts.Hosts,
		bucketName: opts.BucketName,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

// Watch starts streaming configs. The returned channel coalesces to the
// latest config when the consumer is slow, and closes once ctx is done.
func (s *Streamer) Watch(ctx context.Context) <-chan *TerseConfigJson {
	inputCh := make(chan *TerseConfigJson)
	outputCh := latestonlychannel.Wrap(inputCh)

	go s.watchThread(ctx, inputCh)

	return outputCh
}

func (s *Streamer) watchThread(ctx context.Context, inputCh chan<- *TerseConfigJson) {
	defer close(inputCh)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 10
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		anyConnected := false
		for _, host := range s.hosts {
			if ctx.Err() != nil {
				return
			}

			connected, err := s.streamHost(ctx, host, inputCh)
			if connected {
				anyConnected = true
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("config stream failed",
					zap.String("host", host),
					zap.Error(err))
			}
		}

		if ctx.Err() != nil {
			return
		}

		if anyConnected {
			b.Reset()
			continue
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// streamHost consumes the stream from one endpoint until it breaks. The
// returned bool reports whether a connection was established at all.
func (s *Streamer) streamHost(ctx context.Context, host string, inputCh chan<- *TerseConfigJson) (bool, error) {
	path := fmt.Sprintf("%s/pools/default/bs/%s", host, url.PathEscape(s.bucketName))
	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return false, err
	}
	if s.username != "" || s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("config stream request failed: %s", resp.Status)
	}

	sourceHost := req.URL.Hostname()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 20*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			// the stream emits blank lines as keep-alives
			continue
		}

		config, err := ParseTerseConfig(line, sourceHost)
		if err != nil {
			s.logger.Warn("failed to parse streamed config", zap.Error(err))
			continue
		}

		select {
		case inputCh <- config:
		case <-ctx.Done():
			return true, nil
		}
	}

	return true, scanner.Err()
}
