package meshcore

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/adapter"
	"github.com/opd-ai/meshcore/handshake"
	"github.com/opd-ai/meshcore/mesh"
)

// Validation constants for configuration bounds checking.
const (
	// MinHandshakeTimeout is the minimum allowed handshake timeout in milliseconds.
	MinHandshakeTimeout = 100
	// MaxHandshakeTimeout is the maximum allowed handshake timeout in milliseconds (10 minutes).
	MaxHandshakeTimeout = 600000
	// MaxReplayWindow is the maximum allowed replay window in milliseconds (1 hour).
	// Zero turns the freshness check off.
	MaxReplayWindow = 3600000
	// MinBackendRetries is the minimum allowed retry count.
	MinBackendRetries = 0
	// MaxBackendRetries is the maximum allowed retry count.
	MaxBackendRetries = 100
)

// Environment variables read by NewOptions.
const (
	EnvAdapter          = "MESHCORE_ADAPTER"
	EnvHandshakeTimeout = "MESHCORE_HANDSHAKE_TIMEOUT"
	EnvReplayWindow     = "MESHCORE_REPLAY_WINDOW"
	EnvBackendRetries   = "MESHCORE_BACKEND_RETRIES"
	EnvLogLevel         = "MESHCORE_LOG_LEVEL"
	EnvWireGuardGo      = "MESHCORE_WIREGUARD_GO"
)

// Options configure a Device.
type Options struct {
	// AdapterType is the backend used when Start is given the zero Kind.
	AdapterType adapter.Kind
	// InterfaceName names the tunnel interface.
	InterfaceName string
	MTU           int
	// ListenAddress is the local address of the meshnet UDP socket.
	ListenAddress string
	// WireGuardPort is the UDP port of backends that own one. Zero picks one.
	WireGuardPort int
	// WireGuardGo is the binary spawned by the external-process backend.
	WireGuardGo string

	HandshakeTimeout time.Duration
	// ReplayWindow rejects handshake timestamps further than this from the
	// local clock. Zero turns the check off.
	ReplayWindow time.Duration
	// BackendRetries is how often a transient backend failure is retried.
	BackendRetries int

	// PersistentKeepalive is applied to every peer the Device configures.
	PersistentKeepalive time.Duration
	// EnforceFirewall drops traffic from meshnet peers whose
	// allow_incoming_connections flag is false. Peers added with
	// ConnectToPeer are always permitted.
	EnforceFirewall bool
	// OperationTimeout bounds every call into the multiplexer.
	OperationTimeout time.Duration

	LogLevel string

	// BackendFactory builds backends. Nil selects adapter.New.
	BackendFactory mesh.Factory
}

// NewOptions creates a new default Options with MESHCORE_* environment
// overrides applied.
func NewOptions() *Options {
	opts := createDefaultOptions()
	applyEnvironmentOverrides(opts)
	logOptionsInfo(opts)
	return opts
}

// createDefaultOptions initializes the default options.
//
// Default Value Rationale:
//   - HandshakeTimeout: 5s - twice the time a lossy path needs for one round trip retry
//   - ReplayWindow: 2m - a request recorded before a restart is refused once it is this old
//   - BackendRetries: 3 - absorbs a busy driver without stalling the owner task
//   - PersistentKeepalive: 25s - keeps common NAT mappings open
func createDefaultOptions() *Options {
	return &Options{
		AdapterType:         adapter.Default(),
		InterfaceName:       adapter.DefaultName,
		MTU:                 adapter.DefaultMTU,
		ListenAddress:       "0.0.0.0:0",
		WireGuardGo:         adapter.DefaultWireGuardGo,
		HandshakeTimeout:    5 * time.Second,
		ReplayWindow:        handshake.DefaultReplayWindow,
		BackendRetries:      mesh.DefaultBackendRetries,
		PersistentKeepalive: 25 * time.Second,
		OperationTimeout:    10 * time.Second,
		LogLevel:            "info",
	}
}

// applyEnvironmentOverrides updates options from MESHCORE_* environment
// variables. Invalid values are logged and ignored.
func applyEnvironmentOverrides(opts *Options) {
	parseAdapterSetting(opts)
	parseHandshakeTimeoutSetting(opts)
	parseReplayWindowSetting(opts)
	parseRetrySetting(opts)
	parseLogLevelSetting(opts)
	parseWireGuardGoSetting(opts)
}

// parseAdapterSetting updates AdapterType from MESHCORE_ADAPTER.
func parseAdapterSetting(opts *Options) {
	value := os.Getenv(EnvAdapter)
	if value == "" {
		return
	}
	kind, err := adapter.ParseKind(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseAdapterSetting",
			"env_var":     EnvAdapter,
			"value":       value,
			"error":       err.Error(),
			"using_value": opts.AdapterType.String(),
		}).Warn("Failed to parse MESHCORE_ADAPTER environment variable, using default")
		return
	}
	opts.AdapterType = kind
}

// parseHandshakeTimeoutSetting updates HandshakeTimeout from
// MESHCORE_HANDSHAKE_TIMEOUT, given in milliseconds within
// [MinHandshakeTimeout, MaxHandshakeTimeout].
func parseHandshakeTimeoutSetting(opts *Options) {
	ms, ok := parseBoundedInt(EnvHandshakeTimeout, "parseHandshakeTimeoutSetting",
		MinHandshakeTimeout, MaxHandshakeTimeout, opts.HandshakeTimeout.Milliseconds())
	if ok {
		opts.HandshakeTimeout = time.Duration(ms) * time.Millisecond
	}
}

// parseReplayWindowSetting updates ReplayWindow from MESHCORE_REPLAY_WINDOW,
// given in milliseconds within [0, MaxReplayWindow].
func parseReplayWindowSetting(opts *Options) {
	ms, ok := parseBoundedInt(EnvReplayWindow, "parseReplayWindowSetting",
		0, MaxReplayWindow, opts.ReplayWindow.Milliseconds())
	if ok {
		opts.ReplayWindow = time.Duration(ms) * time.Millisecond
	}
}

// parseRetrySetting updates BackendRetries from MESHCORE_BACKEND_RETRIES.
func parseRetrySetting(opts *Options) {
	n, ok := parseBoundedInt(EnvBackendRetries, "parseRetrySetting",
		MinBackendRetries, MaxBackendRetries, int64(opts.BackendRetries))
	if ok {
		opts.BackendRetries = int(n)
	}
}

// parseLogLevelSetting updates LogLevel from MESHCORE_LOG_LEVEL.
func parseLogLevelSetting(opts *Options) {
	value := os.Getenv(EnvLogLevel)
	if value == "" {
		return
	}
	if _, err := logrus.ParseLevel(value); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseLogLevelSetting",
			"env_var":     EnvLogLevel,
			"value":       value,
			"error":       err.Error(),
			"using_value": opts.LogLevel,
		}).Warn("Failed to parse MESHCORE_LOG_LEVEL environment variable, using default")
		return
	}
	opts.LogLevel = value
}

// parseWireGuardGoSetting updates WireGuardGo from MESHCORE_WIREGUARD_GO.
func parseWireGuardGoSetting(opts *Options) {
	if value := os.Getenv(EnvWireGuardGo); value != "" {
		opts.WireGuardGo = value
	}
}

// parseBoundedInt reads an integer environment variable. It reports false,
// after logging a warning, when the variable is unset, unparsable or
// outside [lo, hi].
func parseBoundedInt(envVar, function string, lo, hi, current int64) (int64, bool) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    function,
			"env_var":     envVar,
			"value":       raw,
			"error":       err.Error(),
			"using_value": current,
		}).Warnf("Failed to parse %s environment variable, using default", envVar)
		return 0, false
	}
	if value < lo || value > hi {
		logrus.WithFields(logrus.Fields{
			"function":    function,
			"env_var":     envVar,
			"value":       value,
			"min":         lo,
			"max":         hi,
			"using_value": current,
		}).Warnf("%s value out of bounds, using default", envVar)
		return 0, false
	}
	return value, true
}

func logOptionsInfo(opts *Options) {
	logrus.WithFields(logrus.Fields{
		"function":          "NewOptions",
		"adapter":           opts.AdapterType.String(),
		"handshake_timeout": opts.HandshakeTimeout,
		"replay_window":     opts.ReplayWindow,
		"backend_retries":   opts.BackendRetries,
		"log_level":         opts.LogLevel,
	}).Debug("Created options")
}

// meshConfig translates the options into a multiplexer configuration.
// The caller supplies the factory and firewall.
func (o *Options) meshConfig() mesh.Config {
	cfg := mesh.Config{
		Adapter: adapter.Options{
			Name:        o.InterfaceName,
			MTU:         o.MTU,
			ListenPort:  o.WireGuardPort,
			WireGuardGo: o.WireGuardGo,
		},
		HandshakeTimeout: o.HandshakeTimeout,
		ReplayWindow:     o.ReplayWindow,
		BackendRetries:   o.BackendRetries,
	}
	// mesh reads zero as "use the default".
	if o.BackendRetries == 0 {
		cfg.BackendRetries = -1
	}
	if o.ReplayWindow == 0 {
		cfg.ReplayWindow = -1
	}
	return cfg
}
