// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// LedgerNamespaceEnvVar environment variable naming the ledger storage namespace
const LedgerNamespaceEnvVar = "FEEDRELAY_LEDGER_NAMESPACE"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSMirrorConfig defines which topic bus topics are mirrored onto NATS subjects
type NATSMirrorConfig struct {
	// Enabled whether to mirror topic bus payloads onto NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SubjectPrefix is the NATS subject prefix. Payloads of topic T go to "<prefix>.T"
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required_if=Enabled true"`
	// Topics are the topics to mirror
	Topics []string `mapstructure:"topics" json:"topics"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// Mirror defines topic mirroring parameters
	Mirror NATSMirrorConfig `mapstructure:"mirror" json:"mirror"`
}

// ===============================================================================
// Ledger Related Config

// LedgerConfig defines the delivery ledger storage parameters
type LedgerConfig struct {
	// Backend is the ledger storage backend
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory sqlite nats"`
	// Namespace scopes the ledger entries. For NATS this is the KV bucket name.
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"required"`
	// SQLitePath is the database file used by the sqlite backend
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path" validate:"required_if=Backend sqlite"`
	// CallTimeout is the max duration of one ledger operation in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Feed Related Config

// FeedPolicyConfig defines the delivery policy of one feed kind
type FeedPolicyConfig struct {
	// Cap is the max number of messages a worker forwards before terminating. 0 is unbounded.
	Cap int `mapstructure:"cap" json:"cap" validate:"gte=0"`
	// KeyWithBucket whether the ledger key carries the timestamp bucket
	KeyWithBucket bool `mapstructure:"key_with_bucket" json:"key_with_bucket"`
	// BucketGranularity is the width of the ledger timestamp bucket in seconds
	BucketGranularity int `mapstructure:"bucket_granularity_sec" json:"bucket_granularity_sec" validate:"gte=1"`
	// Topic is the fixed topic to publish on. If empty, the feed type is used.
	Topic string `mapstructure:"topic" json:"topic"`
	// Transport is the default upstream transport
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=websocket sse"`
	// Decoder is the frame decoder
	Decoder string `mapstructure:"decoder" json:"decoder" validate:"required,oneof=json graphql passthrough"`
}

// UpstreamConfig defines the feed source endpoints
type UpstreamConfig struct {
	// WebSocketURL is the GraphQL subscription endpoint for websocket feeds
	WebSocketURL string `mapstructure:"websocket_url" json:"websocket_url" validate:"required,url"`
	// HTTPURL is the GraphQL subscription endpoint for SSE feeds
	HTTPURL string `mapstructure:"http_url" json:"http_url" validate:"required,url"`
	// HandshakeTimeout is the max duration for establishing a feed connection in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// Headers are additional headers sent when connecting upstream
	Headers map[string]string `mapstructure:"headers" json:"headers"`
}

// RelayConfig defines the host relay parameters
type RelayConfig struct {
	// EventBuffer is the host event loop buffer size
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
	// WorkerBuffer is the per worker relay message buffer size
	WorkerBuffer int `mapstructure:"worker_buffer" json:"worker_buffer" validate:"gte=1"`
	// RestartOnError whether to respawn a worker after a connection error
	RestartOnError bool `mapstructure:"restart_on_error" json:"restart_on_error"`
	// RestartDelay is the wait before respawning a worker in seconds
	RestartDelay int `mapstructure:"restart_delay_sec" json:"restart_delay_sec" validate:"gte=1"`
	// MaxRestarts is the max number of respawns per relay handle. 0 is unlimited.
	MaxRestarts int `mapstructure:"max_restarts" json:"max_restarts" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Topic streams are long lived,
	// so this is usually left at zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters. Optional unless the NATS ledger or
	// the topic mirror is used.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// Ledger are the delivery ledger parameters
	Ledger LedgerConfig `mapstructure:"ledger" json:"ledger" validate:"required"`
	// Feeds are the per feed kind delivery policies
	Feeds map[string]FeedPolicyConfig `mapstructure:"feeds" json:"feeds" validate:"required,min=1,dive"`
	// Upstream are the feed source endpoints
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required"`
	// Relay are the host relay parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required"`
	// API are the relay API server configs
	API RelayServerConfig `mapstructure:"api" json:"api" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Ledger
	viper.SetDefault("ledger.backend", "memory")
	viper.SetDefault("ledger.sqlite_path", "feedrelay-ledger.db")
	viper.SetDefault("ledger.call_timeout_sec", 5)
	_ = viper.BindEnv("ledger.namespace", LedgerNamespaceEnvVar)

	// Feed delivery policies
	viper.SetDefault("feeds.metrics.cap", 90)
	viper.SetDefault("feeds.metrics.key_with_bucket", true)
	viper.SetDefault("feeds.metrics.bucket_granularity_sec", 60)
	viper.SetDefault("feeds.metrics.transport", "websocket")
	viper.SetDefault("feeds.metrics.decoder", "graphql")
	viper.SetDefault("feeds.metric_stats.cap", 9)
	viper.SetDefault("feeds.metric_stats.key_with_bucket", true)
	viper.SetDefault("feeds.metric_stats.bucket_granularity_sec", 60)
	viper.SetDefault("feeds.metric_stats.transport", "websocket")
	viper.SetDefault("feeds.metric_stats.decoder", "graphql")
	viper.SetDefault("feeds.notifications.cap", 5)
	viper.SetDefault("feeds.notifications.key_with_bucket", false)
	viper.SetDefault("feeds.notifications.bucket_granularity_sec", 60)
	viper.SetDefault("feeds.notifications.topic", "notifications")
	viper.SetDefault("feeds.notifications.transport", "sse")
	viper.SetDefault("feeds.notifications.decoder", "graphql")

	// Upstream
	viper.SetDefault("upstream.websocket_url", "ws://127.0.0.1:8080/graphql")
	viper.SetDefault("upstream.http_url", "http://127.0.0.1:8080/graphql")
	viper.SetDefault("upstream.handshake_timeout_sec", 15)

	// Relay
	viper.SetDefault("relay.event_buffer", 64)
	viper.SetDefault("relay.worker_buffer", 16)
	viper.SetDefault("relay.restart_on_error", false)
	viper.SetDefault("relay.restart_delay_sec", 5)
	viper.SetDefault("relay.max_restarts", 3)

	// Relay API server
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3002)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Feedrelay-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultNATSConfigValues installs default NATS parameters in viper. Only called
// when a NATS dependent feature is selected, as the NATS section is otherwise optional.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.mirror.enabled", false)
	viper.SetDefault("nats.mirror.subject_prefix", "feedrelay")
}
