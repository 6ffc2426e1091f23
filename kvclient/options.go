package kvclient

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

// NetworkResolution selects which address block of the cluster config the
// client routes against.
type NetworkResolution string

const (
	// NetworkResolutionDefault uses the addresses the nodes know themselves by.
	NetworkResolutionDefault = NetworkResolution("default")

	// NetworkResolutionExternal uses the alternate-address block, for
	// clients outside the cluster's network (NAT, cloud).
	NetworkResolutionExternal = NetworkResolution("external")
)

const (
	defaultKvPort            = 11210
	defaultKvTlsPort         = 11207
	defaultMgmtPort          = 8091
	defaultKvTimeout         = 2500 * time.Millisecond
	defaultKvDurableTimeout  = 10 * time.Second
	defaultHttpTimeout       = 75 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultPoolMinSize       = 2
	defaultPoolMaxSize       = 5
	defaultConfigPollPeriod  = 2500 * time.Millisecond
	defaultGracePeriod       = 5 * time.Second
	defaultCanaryTimeout     = 250 * time.Millisecond
	defaultRetryBudget       = 16
)

// ClusterOptions is the user-facing configuration surface of the client.
type ClusterOptions struct {
	Username string
	Password string

	TlsEnabled bool
	TlsConfig  *tls.Config

	// Ports used when the connection string does not carry explicit ones.
	BootstrapHttpPort int
	KvPort            int

	KvTimeout        time.Duration
	KvDurableTimeout time.Duration
	ConnectTimeout   time.Duration
	ViewTimeout      time.Duration
	QueryTimeout     time.Duration
	AnalyticsTimeout time.Duration
	SearchTimeout    time.Duration

	EnableMutationTokens  bool
	EnableServerDurations bool
	EnableCollections     bool
	EnableCompression     bool

	// EnableConfigPolling adds an HTTP polling fallback next to the
	// streaming config feed.
	EnableConfigPolling bool
	ConfigPollPeriod    time.Duration

	NetworkResolution NetworkResolution

	PoolMinSize int
	PoolMaxSize int

	Logger *zap.Logger
}

func (o ClusterOptions) withDefaults() ClusterOptions {
	if o.BootstrapHttpPort == 0 {
		o.BootstrapHttpPort = defaultMgmtPort
	}
	if o.KvPort == 0 {
		if o.TlsEnabled {
			o.KvPort = defaultKvTlsPort
		} else {
			o.KvPort = defaultKvPort
		}
	}
	if o.KvTimeout == 0 {
		o.KvTimeout = defaultKvTimeout
	}
	if o.KvDurableTimeout == 0 {
		o.KvDurableTimeout = defaultKvDurableTimeout
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ViewTimeout == 0 {
		o.ViewTimeout = defaultHttpTimeout
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = defaultHttpTimeout
	}
	if o.AnalyticsTimeout == 0 {
		o.AnalyticsTimeout = defaultHttpTimeout
	}
	if o.SearchTimeout == 0 {
		o.SearchTimeout = defaultHttpTimeout
	}
	if o.ConfigPollPeriod == 0 {
		o.ConfigPollPeriod = defaultConfigPollPeriod
	}
	if o.NetworkResolution == "" {
		o.NetworkResolution = NetworkResolutionDefault
	}
	if o.PoolMinSize == 0 {
		o.PoolMinSize = defaultPoolMinSize
	}
	if o.PoolMaxSize == 0 {
		o.PoolMaxSize = defaultPoolMaxSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
