package cbconfig

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTerseConfig = `{
	"rev": 1073,
	"revEpoch": 2,
	"name": "default",
	"nodeLocator": "vbucket",
	"uuid": "9a6b7efc",
	"nodes": [
		{"couchApiBase": "http://$HOST:8092/default", "hostname": "$HOST:8091"},
		{"couchApiBase": "http://192.168.0.2:8092/default", "hostname": "192.168.0.2:8091"}
	],
	"nodesExt": [
		{"services": {"kv": 11210, "mgmt": 8091, "n1ql": 8093}, "thisNode": true},
		{"services": {"kv": 11210, "mgmt": 8091}, "hostname": "192.168.0.2"}
	],
	"vBucketServerMap": {
		"hashAlgorithm": "CRC",
		"numReplicas": 1,
		"serverList": ["$HOST:11210", "192.168.0.2:11210"],
		"vBucketMap": [[0, 1], [1, 0], [0, -1], [1, -1]]
	}
}`

func TestParseTerseConfigReplacesHost(t *testing.T) {
	config, err := ParseTerseConfig([]byte(testTerseConfig), "10.0.0.9")
	require.NoError(t, err)

	assert.Equal(t, 1073, config.Rev)
	assert.Equal(t, 2, config.RevEpoch)
	assert.Equal(t, "default", config.Name)
	assert.Equal(t, "vbucket", config.NodeLocator)
	assert.Equal(t, "10.0.0.9:8091", config.Nodes[0].Hostname)
	assert.Equal(t, "10.0.0.9:11210", config.VBucketServerMap.ServerList[0])
	assert.Equal(t, "192.168.0.2:11210", config.VBucketServerMap.ServerList[1])
	assert.Len(t, config.VBucketServerMap.VBucketMap, 4)
}

func TestTerseConfigRevisionOrder(t *testing.T) {
	older := &TerseConfigJson{Rev: 5, RevEpoch: 1}
	newer := &TerseConfigJson{Rev: 7, RevEpoch: 1}
	epochBump := &TerseConfigJson{Rev: 1, RevEpoch: 2}

	assert.True(t, newer.IsNewerThan(older))
	assert.False(t, older.IsNewerThan(newer))
	assert.False(t, older.IsNewerThan(older))
	assert.True(t, epochBump.IsNewerThan(newer))
	assert.True(t, older.IsNewerThan(nil))
}

func TestFetcherTerseBucket(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools/default/b/default", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "Administrator", user)
		assert.Equal(t, "password", pass)
		fmt.Fprint(w, testTerseConfig)
	}))
	defer svr.Close()

	fetcher := NewFetcher(FetcherOptions{
		Host:     svr.URL,
		Username: "Administrator",
		Password: "password",
		Logger:   zap.NewNop(),
	})

	config, err := fetcher.FetchTerseBucket(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", config.Name)
	assert.Equal(t, "127.0.0.1:8091", config.Nodes[0].Hostname)
}

func TestFetcherClusterVersion(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools/default", r.URL.Path)
		fmt.Fprint(w, `{"nodes": [
			{"version": "7.6.2-3721-enterprise"},
			{"version": "7.2.0-5325-enterprise"},
			{"version": "7.6.0-1000-enterprise"}
		]}`)
	}))
	defer svr.Close()

	fetcher := NewFetcher(FetcherOptions{Host: svr.URL})

	version, err := fetcher.ClusterVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7.2.0-5325-enterprise", version)
}

func TestStreamerWatch(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools/default/bs/default", r.URL.Path)

		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "{\"rev\": 10, \"name\": \"default\"}\n")
		flusher.Flush()
		fmt.Fprintf(w, "\n")
		flusher.Flush()
		fmt.Fprintf(w, "{\"rev\": 11, \"name\": \"default\"}\n")
		flusher.Flush()

		// keep the stream open until the client goes away
		<-r.Context().Done()
	}))
	defer svr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamer := NewStreamer(StreamerOptions{
		Hosts:      []string{svr.URL},
		BucketName: "default",
		Logger:     zap.NewNop(),
	})

	configCh := streamer.Watch(ctx)

	first := recvConfig(t, configCh)
	require.NotNil(t, first)
	assert.Equal(t, "default", first.Name)

	// with rev 10 possibly coalesced away, the next observable rev is 11
	if first.Rev != 11 {
		second := recvConfig(t, configCh)
		assert.Equal(t, 11, second.Rev)
	}
}

func recvConfig(t *testing.T, ch <-chan *TerseConfigJson) *TerseConfigJson {
	select {
	case config := <-ch:
		return config
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for config")
		return nil
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("7.2.0", "7.2.0-5325-enterprise"))
	assert.Equal(t, -1, compareVersions("7.1.9", "7.2.0"))
	assert.Equal(t, 1, compareVersions("7.10.0", "7.9.0"))
}
