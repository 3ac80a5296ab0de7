package mqtt

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// ContextDialer is an interface for custom network dialing logic.
// It matches the signature of net.Dialer.DialContext.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// clientOptions holds configuration for the MQTT client.
type clientOptions struct {
	// MQTT server address (e.g., "tcp://localhost:1883")
	Server string

	// Client identifier
	ClientID string

	// Username for authentication (optional)
	Username string

	// Password for authentication (optional)
	Password string

	// Keep alive interval
	KeepAlive time.Duration

	// Clean session flag
	CleanSession bool

	// Auto-reconnect on connection loss
	AutoReconnect bool

	// Reconnect backoff bounds, used by the reconnect scheduler.
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// Connection timeout
	ConnectTimeout time.Duration

	// TLS configuration (optional)
	TLSConfig *tls.Config

	// WebSocket subprotocol negotiated when dialing ws:// or wss://.
	WebsocketSubprotocol string

	// WebSocket request headers sent during the upgrade handshake.
	WebsocketHeaders map[string][]string

	// HTTP/SOCKS proxy URL to tunnel the transport connection through.
	// Can be set independently of, and before, Server/dial-time options,
	// matching the original client's "set proxy options now, apply them
	// at connect time" ordering.
	ProxyURL *url.URL

	// Logger for client events (optional, defaults to discarding logs)
	Logger *slog.Logger

	// Limits (0 = use MQTT spec defaults)
	MaxTopicLength    int // Maximum topic length (default: 65535)
	MaxPayloadSize    int // Maximum outgoing payload size (default: 256MB)
	MaxIncomingPacket int // Maximum incoming packet size (default: 256MB)

	// MaxInFlight bounds the number of unacknowledged QoS 1/2 publishes the
	// client will keep outstanding at once; additional publishes queue
	// locally until capacity frees up. 0 means unbounded (spec default).
	// This is a client-local flow control cap, not a server-negotiated value.
	MaxInFlight int

	// OperationTimeout bounds how long a publish/subscribe/unsubscribe may go
	// unacknowledged before it fails with KindTimeout. 0 (default) means no
	// timeout: an operation only ever resolves via its ack, a reconnect that
	// discards the session, or client teardown.
	OperationTimeout time.Duration

	// Will message (optional)
	will *willMessage

	// Lifecycle hooks (optional)
	//
	// OnConnect's sessionPresent argument is the CONNACK's SessionPresent
	// flag: false on a client's very first connect or any connect where the
	// broker didn't preserve prior state, true on a reconnect that resumed
	// it. Use it to tell on_resumed apart from on_interrupted-then-fresh.
	OnConnect        func(client *Client, sessionPresent bool)
	OnConnectionLost func(*Client, error)

	// Initial subscriptions (optional)
	InitialSubscriptions map[string]MessageHandler

	// Default publish handler (optional)
	// Called when a PUBLISH packet doesn't match any registered subscription.
	DefaultPublishHandler MessageHandler

	// Custom dialer (optional)
	// If set, this is used to establish the connection instead of the
	// built-in transport (TCP/TLS/WebSocket/proxy).
	Dialer ContextDialer
}

// willMessage represents the Last Will and Testament message.
type willMessage struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retained bool
}

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

// WithClientID sets the client identifier.
//
// MQTT 3.1.1 requires a non-empty client ID when CleanSession is false. If
// left empty with CleanSession=true, a random client ID is generated with
// github.com/google/uuid rather than relying on the server to assign one.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.ClientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithKeepAlive sets the MQTT keep alive interval (default: 60s).
func WithKeepAlive(duration time.Duration) Option {
	return func(o *clientOptions) {
		o.KeepAlive = duration
	}
}

// WithCleanSession sets the clean session flag.
//
// When true (default), the server discards any previous session state and
// subscriptions for this client ID on connect. When false, the server
// resumes prior session state if present, and the client MUST supply a
// non-empty client ID.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.CleanSession = clean
	}
}

// WithAutoReconnect enables or disables automatic reconnection (default: true).
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) {
		o.AutoReconnect = enable
	}
}

// WithReconnectBackoff sets the minimum and maximum delay between reconnect
// attempts. The delay doubles after each failed attempt, starting at min,
// and resets back to min once a connection stays up for 10 seconds.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(o *clientOptions) {
		o.MinReconnectDelay = min
		o.MaxReconnectDelay = max
	}
}

// WithConnectTimeout sets the connection timeout (default: 30s).
func WithConnectTimeout(duration time.Duration) Option {
	return func(o *clientOptions) {
		o.ConnectTimeout = duration
	}
}

// WithTLS sets the TLS configuration for secure connections.
// Pass nil for default TLS settings, or provide a custom *tls.Config.
// The server URL should use "tls://", "ssl://", or "mqtts://" scheme, or this option
// will enable TLS for "tcp://" URLs as well.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.TLSConfig = config
	}
}

// WithWebsocketSubprotocol sets the Sec-WebSocket-Protocol value negotiated
// when dialing a ws:// or wss:// server. Most brokers expect "mqtt".
func WithWebsocketSubprotocol(subprotocol string) Option {
	return func(o *clientOptions) {
		o.WebsocketSubprotocol = subprotocol
	}
}

// WithWebsocketHeader adds a header sent with the WebSocket upgrade request.
func WithWebsocketHeader(key, value string) Option {
	return func(o *clientOptions) {
		if o.WebsocketHeaders == nil {
			o.WebsocketHeaders = make(map[string][]string)
		}
		o.WebsocketHeaders[key] = append(o.WebsocketHeaders[key], value)
	}
}

// WithHTTPProxy routes the transport connection (TCP, TLS, or WebSocket)
// through an HTTP or SOCKS5 proxy. The proxy URL's scheme selects the proxy
// type ("http", "https", or "socks5").
//
// The option can be set at any point before Dial/DialContext is called; like
// the original client, proxy configuration is just stored and applied when
// the transport actually dials.
func WithHTTPProxy(proxyURL *url.URL) Option {
	return func(o *clientOptions) {
		o.ProxyURL = proxyURL
	}
}

// WithDefaultPublishHandler sets a fallback handler for incoming PUBLISH messages
// that do not match any registered subscription.
//
// If not set (default), messages matching no subscription are silently dropped
// (but still acknowledged to comply with the protocol).
func WithDefaultPublishHandler(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.DefaultPublishHandler = handler
	}
}

// WithLogger sets a custom logger for the client.
// If not provided, the client will use a logger that discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.Logger = logger
	}
}

// WithDialer sets a custom dialer for establishing the network connection,
// bypassing the built-in transport package entirely. The dialer's
// DialContext method always receives "tcp" as network, whatever the server
// URL's scheme, and the original server string as addr.
func WithDialer(dialer ContextDialer) Option {
	return func(o *clientOptions) {
		o.Dialer = dialer
	}
}

// DialFunc is a helper to convert a function to the ContextDialer interface.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext implements ContextDialer.
func (f DialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// WithWill sets the Last Will and Testament (LWT) message.
//
// The LWT is published by the server on the client's behalf if the client
// disconnects unexpectedly (network failure, crash, keep-alive timeout). It
// is not sent on a graceful Disconnect.
func WithWill(topic string, payload []byte, qos uint8, retained bool) Option {
	return func(o *clientOptions) {
		o.will = &willMessage{
			Topic:    topic,
			Payload:  payload,
			QoS:      qos,
			Retained: retained,
		}
	}
}

// WithOnConnect sets the handler called when the client connects, for the
// initial connection and every successful reconnection. sessionPresent
// distinguishes the two: false means a fresh session (on_resumed does not
// apply), true means the broker preserved the prior one. The handler runs
// on a dedicated callback goroutine, ordered after any OnConnectionLost for
// the connection it's resuming from, so it may block or perform further
// client operations without risking out-of-order delivery.
func WithOnConnect(onConnect func(client *Client, sessionPresent bool)) Option {
	return func(o *clientOptions) {
		o.OnConnect = onConnect
	}
}

// WithOnConnectionLost sets the handler called when the connection is lost
// (unexpected hangup, keep-alive timeout, or transport failure). The error
// passed identifies the Kind via errors.As(&OpError{}).
func WithOnConnectionLost(onConnectionLost func(*Client, error)) Option {
	return func(o *clientOptions) {
		o.OnConnectionLost = onConnectionLost
	}
}

// WithSubscription defines a subscription that the client should maintain.
//
// This registers the MessageHandler locally before connection (avoiding a
// race where the server delivers matching PUBLISH packets before an explicit
// Subscribe call completes) and automatically (re)subscribes to the topic on
// every connection and reconnection.
func WithSubscription(topic string, handler MessageHandler) Option {
	return func(o *clientOptions) {
		if o.InitialSubscriptions == nil {
			o.InitialSubscriptions = make(map[string]MessageHandler)
		}
		o.InitialSubscriptions[topic] = handler
	}
}

// WithOperationTimeout sets how long a publish/subscribe/unsubscribe may go
// unacknowledged before it is failed with a Timeout error. The default is 0
// (no timeout).
func WithOperationTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.OperationTimeout = d
	}
}

// defaultOptions returns the default client options.
func defaultOptions(server string) *clientOptions {
	return &clientOptions{
		Server:            server,
		ClientID:          "",
		KeepAlive:         60 * time.Second,
		CleanSession:      true,
		AutoReconnect:     true,
		MinReconnectDelay: time.Second,
		MaxReconnectDelay: 2 * time.Minute,
		ConnectTimeout:    30 * time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),

		// Use MQTT spec defaults (0 = use defaults in validation functions)
		MaxTopicLength:    0,
		MaxPayloadSize:    0,
		MaxIncomingPacket: 0,
		MaxInFlight:       0,
	}
}
