// Package transport establishes the byte-stream connection an MQTT client
// speaks the wire protocol over: plain TCP, TLS, or a WebSocket tunnel, each
// optionally routed through an HTTP or SOCKS5 proxy.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// Config configures how Dial reaches the server.
type Config struct {
	TLSConfig *tls.Config

	// WebsocketSubprotocol is sent as Sec-WebSocket-Protocol when dialing
	// ws:// or wss://. Most brokers expect "mqtt".
	WebsocketSubprotocol string
	WebsocketHeaders     map[string][]string

	// ProxyURL, if set, tunnels the connection through an HTTP or SOCKS5
	// proxy before the TCP/TLS/WebSocket handshake runs.
	ProxyURL *url.URL
}

// Dial opens a byte-stream connection to server, whose scheme selects the
// transport: tcp/mqtt (plain), tls/ssl/mqtts (TLS), ws (WebSocket), wss
// (WebSocket over TLS).
func Dial(ctx context.Context, server string, cfg Config) (net.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return dialWebsocket(ctx, u, cfg)
	default:
		return dialStream(ctx, u, cfg)
	}
}

func defaultPort(scheme string) string {
	switch scheme {
	case "tls", "ssl", "mqtts", "wss":
		return "8883"
	default:
		return "1883"
	}
}

func dialNetConn(ctx context.Context, cfg Config, network, addr string) (net.Conn, error) {
	if cfg.ProxyURL == nil {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	dialer, err := proxy.FromURL(cfg.ProxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building proxy dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

func dialStream(ctx context.Context, u *url.URL, cfg Config) (net.Conn, error) {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Host, defaultPort(u.Scheme))
	}

	useTLS := u.Scheme == "tls" || u.Scheme == "ssl" || u.Scheme == "mqtts" || cfg.TLSConfig != nil
	if !useTLS && u.Scheme != "tcp" && u.Scheme != "mqtt" && u.Scheme != "" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	conn, err := dialNetConn(ctx, cfg, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", host, err)
	}

	if !useTLS {
		return conn, nil
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", host, err)
	}
	return tlsConn, nil
}

func dialWebsocket(ctx context.Context, u *url.URL, cfg Config) (net.Conn, error) {
	dialURL := *u
	if dialURL.Scheme == "ws" {
		dialURL.Scheme = "ws"
	} else {
		dialURL.Scheme = "wss"
	}
	if dialURL.Port() == "" {
		dialURL.Host = net.JoinHostPort(dialURL.Host, defaultPort(u.Scheme))
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  cfg.TLSConfig,
		HandshakeTimeout: 45 * time.Second,
	}
	if cfg.WebsocketSubprotocol != "" {
		dialer.Subprotocols = []string{cfg.WebsocketSubprotocol}
	}
	if cfg.ProxyURL != nil {
		dialer.Proxy = func(*http.Request) (*url.URL, error) { return cfg.ProxyURL, nil }
	}

	header := make(map[string][]string, len(cfg.WebsocketHeaders))
	for k, v := range cfg.WebsocketHeaders {
		header[k] = v
	}

	wsConn, resp, err := dialer.DialContext(ctx, dialURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial to %s failed (status %s): %w", dialURL.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial to %s failed: %w", dialURL.String(), err)
	}

	return newWebsocketConn(wsConn), nil
}
