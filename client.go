package mqtt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lunarfort/mqttgo/internal/packets"
	"github.com/lunarfort/mqttgo/internal/transport"
)

// connConfig is the read-mostly configuration region of a Client. It is set
// at Dial time; afterwards the only write is connect() restoring
// opts.KeepAlive to the requested value, made by whichever goroutine is
// running connect (DialContext or reconnectLoop).
type connConfig struct {
	opts *clientOptions
}

// connSynced is the region of Client state reachable from more than one
// goroutine (the public API methods and the worker), and therefore always
// accessed under sessionLock.
type connSynced struct {
	registry      *registry
	tree          *topicTree
	publishQueue  []*publishRequest
	receivedQoS2  map[uint16]struct{}
	inFlightCount int
}

// connWorker is the region of Client state driven by the connection's own
// I/O goroutines (readLoop/writeLoop). conn is swapped under connLock across
// reconnects; the channels are how other goroutines hand packets and signals
// to the I/O goroutines; pingPending is touched only by writeLoop.
type connWorker struct {
	conn           net.Conn
	outgoing       chan packets.Packet
	incoming       chan packets.Packet
	packetReceived chan struct{}
	pingPendingCh  chan struct{}
	pingPending    bool
}

// Client represents an MQTT client connection.
type Client struct {
	cfg connConfig

	connLock sync.RWMutex // guards worker.conn swap across reconnects

	sessionLock sync.Mutex // guards synced
	synced      connSynced

	worker connWorker

	state     *stateMachine
	timeouts  *timeoutCoordinator
	reconnect *reconnectScheduler

	stop         chan struct{}
	disconnected chan struct{}
	group        *errgroup.Group

	connected atomic.Bool

	requestedKeepAlive time.Duration

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	reconnectCount  atomic.Uint64

	lastDisconnectReason atomic.Pointer[error]

	// disconnectOnce guards the teardown side effects in Disconnect (closing
	// stop, closing the connection) against running twice: transitionUnless
	// alone rejects a second caller seeing the state already mid-teardown,
	// but can't rule out two callers both observing a pre-teardown state in
	// the same instant.
	disconnectOnce sync.Once
	disconnectDone chan struct{}

	// callbacks serializes OnConnectionLost/OnConnect dispatch onto a single
	// goroutine (callbackLoop) so on_interrupted always precedes on_resumed
	// for the same reconnect, a guarantee two independently `go`-launched
	// calls couldn't make.
	callbacks chan func()

	// sessionPresent is the SessionPresent flag from the most recent CONNACK,
	// read right after connect() returns: by reconnectLoop to decide whether
	// to resend outstanding operations or discard them and resubscribe from
	// scratch, and by DialContext to decide whether to send WithSubscription
	// filters. Only ever written and read from those call sequences, never
	// concurrently with itself.
	sessionPresent bool
}

// publishRequest represents a request to publish a message.
type publishRequest struct {
	packet *packets.PublishPacket
	token  *token
}

// subscribeRequest represents a request to subscribe to one or more topics
// in a single SUBSCRIBE packet.
type subscribeRequest struct {
	packet   *packets.SubscribePacket
	handlers []MessageHandler
	token    *token
}

// unsubscribeRequest represents a request to unsubscribe from topics.
type unsubscribeRequest struct {
	packet *packets.UnsubscribePacket
	topics []string
	token  *token
}

// MessageHandler is called when a message is received on a subscribed topic.
type MessageHandler func(*Client, Message)

// DialContext establishes a connection to an MQTT server with a context and returns a Client.
//
// The context controls the initial network dial, TLS/WebSocket handshake,
// and MQTT CONNECT handshake. If it is cancelled before the handshake
// completes, DialContext returns an error. If ctx has no deadline, the wait
// for CONNACK is still bounded by WithConnectTimeout; reconnect attempts use
// WithConnectTimeout for the whole connect.
func DialContext(ctx context.Context, server string, opts ...Option) (*Client, error) {
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	if options.ClientID == "" && options.CleanSession {
		options.ClientID = uuid.NewString()
	}

	if options.Logger != nil {
		options.Logger = options.Logger.With("component", "mqtt")
	}

	c := &Client{
		cfg:            connConfig{opts: options},
		stop:           make(chan struct{}),
		disconnected:   make(chan struct{}, 1),
		disconnectDone: make(chan struct{}),
		callbacks:      make(chan func(), 16),
		state:          &stateMachine{},
		timeouts:       newTimeoutCoordinator(),
	}
	c.reconnect = newReconnectScheduler(options.MinReconnectDelay, options.MaxReconnectDelay, c)

	c.synced = connSynced{
		registry:     newRegistry(),
		tree:         newTopicTree(),
		receivedQoS2: make(map[uint16]struct{}),
	}

	c.worker = connWorker{
		outgoing:       make(chan packets.Packet, 1000),
		incoming:       make(chan packets.Packet, 100),
		packetReceived: make(chan struct{}, 1),
		pingPendingCh:  make(chan struct{}, 1),
	}

	for topic, handler := range options.InitialSubscriptions {
		c.synced.tree.Insert(topic, subscriptionEntry{handler: handler})
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	// connect has already started a group with readLoop/writeLoop running.
	c.group.Go(c.logicLoop)
	c.group.Go(c.callbackLoop)

	// WithSubscription filters are so far only in the local tree; send them
	// to the broker unless it resumed a session that already holds them.
	if len(options.InitialSubscriptions) > 0 && (options.CleanSession || !c.sessionPresent) {
		c.resubscribeAll()
	}

	if options.AutoReconnect {
		c.group.Go(c.reconnectLoop)
	}

	return c, nil
}

// Dial establishes a connection to an MQTT server and returns a Client.
//
// The server parameter specifies the server address with scheme and port.
// Supported schemes:
//   - tcp:// or mqtt:// - Unencrypted TCP (default port 1883)
//   - tls://, ssl://, or mqtts:// - TLS-encrypted TCP (default port 8883)
//   - ws:// - WebSocket (default port 1883)
//   - wss:// - WebSocket over TLS (default port 8883)
func Dial(server string, opts ...Option) (*Client, error) {
	options := defaultOptions(server)
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	return DialContext(ctx, server, opts...)
}

// connect establishes the transport connection and performs the MQTT handshake.
func (c *Client) connect(ctx context.Context) error {
	c.cfg.opts.Logger.Debug("connecting to MQTT server", "server", c.cfg.opts.Server)

	if c.cfg.opts.ClientID == "" && !c.cfg.opts.CleanSession {
		return &OpError{Kind: KindInvalidState, Op: "connect",
			Err: fmt.Errorf("MQTT requires a non-empty client ID when CleanSession is false")}
	}

	if !c.state.transition(stateDisconnected, stateConnecting) &&
		!c.state.transition(stateReconnecting, stateConnecting) {
		return &OpError{Kind: KindAlreadyConnected, Op: "connect"}
	}

	if c.requestedKeepAlive == 0 {
		c.requestedKeepAlive = c.cfg.opts.KeepAlive
	}

	conn, err := c.dialServer(ctx)
	if err != nil {
		c.state.set(stateDisconnected)
		return &OpError{Kind: KindTransportFailure, Op: "connect", Err: err}
	}

	c.connLock.Lock()
	c.worker.conn = conn
	c.connLock.Unlock()
	c.lastDisconnectReason.Store(nil)

	// Arm the CONNACK deadline before CONNECT is even flushed, mirroring
	// s_mqtt_client_init: the only test this timer performs when it fires is
	// "are we still trying to connect", not "did we finish sending CONNECT".
	c.timeouts.arm(timeoutConnack, c.cfg.opts.ConnectTimeout)

	cr := &countingReader{Reader: conn, c: c}
	cw := &countingWriter{Writer: conn, c: c}

	connectPkt := c.buildConnectPacket()
	if _, err := connectPkt.WriteTo(cw); err != nil {
		c.timeouts.disarm(timeoutConnack)
		conn.Close()
		c.state.set(stateDisconnected)
		return &OpError{Kind: KindTransportFailure, Op: "connect", Err: fmt.Errorf("sending CONNECT: %w", err)}
	}
	c.packetsSent.Add(1)

	connack, err := c.performHandshake(ctx, conn, cr)
	c.timeouts.disarm(timeoutConnack)
	if err != nil {
		c.state.set(stateDisconnected)
		return err
	}

	if connack.ReturnCode != packets.ConnAccepted {
		conn.Close()
		c.state.set(stateDisconnected)
		if sentinel, ok := connackErrors[connack.ReturnCode]; ok {
			return &OpError{Kind: KindInvalidState, Op: "connect", Err: sentinel}
		}
		return &OpError{Kind: KindInvalidState, Op: "connect",
			Err: fmt.Errorf("%w: code %d", ErrConnectionRefused, connack.ReturnCode)}
	}

	c.cfg.opts.KeepAlive = c.requestedKeepAlive
	c.cfg.opts.Logger.Debug("connection established", "server", c.cfg.opts.Server, "session_present", connack.SessionPresent)

	c.sessionPresent = connack.SessionPresent
	if !connack.SessionPresent && !c.cfg.opts.CleanSession {
		c.cfg.opts.Logger.Debug("no session present, resubscribing")
	}

	c.state.set(stateConnected)
	c.connected.Store(true)
	c.reconnect.noteConnected()

	if c.cfg.opts.OnConnect != nil {
		sessionPresent := connack.SessionPresent
		c.enqueueCallback(func() { c.cfg.opts.OnConnect(c, sessionPresent) })
	}

	c.group = newErrgroup(c.group)
	c.group.Go(c.readLoop)
	c.group.Go(c.writeLoop)

	c.cfg.opts.Logger.Debug("client started", "client_id", c.cfg.opts.ClientID)
	return nil
}

// newErrgroup returns existing if non-nil, otherwise a fresh group; used so
// each connection generation's readLoop/writeLoop are supervised together
// without discarding a group the caller already started logicLoop/
// reconnectLoop on.
func newErrgroup(existing *errgroup.Group) *errgroup.Group {
	if existing != nil {
		return existing
	}
	g, _ := errgroup.WithContext(context.Background())
	return g
}

// dialServer opens the transport connection: a caller-supplied dialer if
// set, otherwise the built-in transport package (TCP, TLS, WebSocket,
// optionally proxied).
func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	if c.cfg.opts.Dialer != nil {
		conn, err := c.cfg.opts.Dialer.DialContext(ctx, "tcp", c.cfg.opts.Server)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return conn, nil
	}

	return transport.Dial(ctx, c.cfg.opts.Server, transport.Config{
		TLSConfig:            c.cfg.opts.TLSConfig,
		WebsocketSubprotocol: c.cfg.opts.WebsocketSubprotocol,
		WebsocketHeaders:     c.cfg.opts.WebsocketHeaders,
		ProxyURL:             c.cfg.opts.ProxyURL,
	})
}

// buildConnectPacket creates a CONNECT packet with the client's configuration.
func (c *Client) buildConnectPacket() *packets.ConnectPacket {
	keepalive := c.requestedKeepAlive
	if keepalive == 0 {
		keepalive = c.cfg.opts.KeepAlive
	}

	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4, // MQTT 3.1.1
		CleanSession:  c.cfg.opts.CleanSession,
		KeepAlive:     uint16(keepalive.Seconds()),
		ClientID:      c.cfg.opts.ClientID,
	}

	if c.cfg.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.cfg.opts.Username
	}
	if c.cfg.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = c.cfg.opts.Password
	}

	if c.cfg.opts.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.cfg.opts.will.Topic
		pkt.WillMessage = c.cfg.opts.will.Payload
		pkt.WillQoS = c.cfg.opts.will.QoS
		pkt.WillRetain = c.cfg.opts.will.Retained
	}

	return pkt
}

func (c *Client) performHandshake(ctx context.Context, conn net.Conn, r io.Reader) (*packets.ConnackPacket, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.opts.ConnectTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	pkt, err := packets.ReadPacket(r, c.cfg.opts.MaxIncomingPacket)
	if err != nil {
		conn.Close()
		return nil, &OpError{Kind: KindTimeout, Op: "connect", Err: fmt.Errorf("reading CONNACK: %w", err)}
	}
	c.packetsReceived.Add(1)

	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		return nil, &OpError{Kind: KindProtocolViolation, Op: "connect",
			Err: fmt.Errorf("expected CONNACK, got packet type %d", pkt.Type())}
	}
	return connack, nil
}

// readLoop continuously reads packets from the network.
func (c *Client) readLoop() error {
	defer c.handleDisconnect()

	c.connLock.RLock()
	conn := c.worker.conn
	c.connLock.RUnlock()
	if conn == nil {
		return nil
	}

	cr := &countingReader{Reader: conn, c: c}
	br := bufio.NewReader(cr)

	for {
		pkt, err := packets.ReadPacket(br, c.cfg.opts.MaxIncomingPacket)
		if err != nil {
			c.cfg.opts.Logger.Debug("read error, disconnecting", "error", err)
			return nil
		}
		c.packetsReceived.Add(1)
		c.cfg.opts.Logger.Debug("received packet", "type", packets.PacketNames[pkt.Type()])

		select {
		case c.worker.packetReceived <- struct{}{}:
		default:
		}

		select {
		case c.worker.incoming <- pkt:
		case <-c.stop:
			return nil
		}
	}
}

// writeLoop continuously writes packets to the network and handles keepalive.
func (c *Client) writeLoop() error {
	var ticker *time.Ticker
	var tickerCh <-chan time.Time

	if c.cfg.opts.KeepAlive > 0 {
		ticker = time.NewTicker(c.cfg.opts.KeepAlive / 4)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	c.connLock.RLock()
	conn := c.worker.conn
	c.connLock.RUnlock()
	if conn == nil {
		return nil
	}

	cw := &countingWriter{Writer: conn, c: c}
	bw := bufio.NewWriter(cw)
	lastReceived := time.Now()
	lastSent := lastReceived

	for {
		select {
		case pkt := <-c.worker.outgoing:
			if !c.writePacket(bw, pkt) {
				c.handleDisconnect()
				return nil
			}
			lastSent = time.Now()

			count := len(c.worker.outgoing)
			for i := 0; i < count; i++ {
				pkt := <-c.worker.outgoing
				if !c.writePacket(bw, pkt) {
					c.handleDisconnect()
					return nil
				}
				lastSent = time.Now()
			}

			if err := bw.Flush(); err != nil {
				c.cfg.opts.Logger.Debug("flush error, disconnecting", "error", err)
				c.handleDisconnect()
				return nil
			}

		case <-c.worker.packetReceived:
			lastReceived = time.Now()

		case <-c.worker.pingPendingCh:
			c.worker.pingPending = false

		case <-tickerCh:
			timeout := c.cfg.opts.KeepAlive + c.cfg.opts.KeepAlive/2
			if time.Since(lastReceived) >= timeout {
				c.cfg.opts.Logger.Debug("keepalive timeout, no packets received",
					"timeout", timeout, "reason", KindTimeout)
				c.handleDisconnect()
				return nil
			}

			threshold := c.cfg.opts.KeepAlive - (c.cfg.opts.KeepAlive / 4)
			timeSinceSent := time.Since(lastSent)
			timeSinceReceived := time.Since(lastReceived)

			if !c.worker.pingPending && (timeSinceSent >= threshold || timeSinceReceived >= threshold) {
				ping := &packets.PingreqPacket{}
				if _, err := ping.WriteTo(bw); err != nil {
					c.handleDisconnect()
					return nil
				}
				if err := bw.Flush(); err != nil {
					c.handleDisconnect()
					return nil
				}
				lastSent = time.Now()
				c.worker.pingPending = true
				c.timeouts.arm(timeoutPing, threshold)
			}

		case <-c.stop:
			c.cfg.opts.Logger.Debug("writeLoop stopped")
			return nil
		}
	}
}

func (c *Client) writePacket(w io.Writer, pkt packets.Packet) bool {
	c.cfg.opts.Logger.Debug("sending packet", "type", packets.PacketNames[pkt.Type()])
	if _, err := pkt.WriteTo(w); err != nil {
		c.cfg.opts.Logger.Debug("write error, disconnecting", "error", err)
		return false
	}
	c.packetsSent.Add(1)
	return true
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect() {
	if !c.connected.Swap(false) {
		return
	}

	c.connLock.Lock()
	if c.worker.conn != nil {
		c.worker.conn.Close()
		c.worker.conn = nil
	}
	c.connLock.Unlock()

	// A clean session never survives a hangup even for the server, so every
	// pending operation is already doomed: fail it now rather than waiting
	// for (and possibly never reaching) a reconnect.
	if c.cfg.opts.CleanSession {
		c.internalResetState()
	}

	var reason error = &OpError{Kind: KindUnexpectedHangup, Op: "connection"}
	if p := c.lastDisconnectReason.Load(); p != nil {
		reason = *p
	}

	// A hangup with AutoReconnect still attached leaves the client
	// Reconnecting, not merely Disconnected — Disconnect() must still be
	// able to tear it down mid-backoff. A Disconnect() already underway (or
	// finished) owns the state from here on; don't stomp on it.
	switch c.state.current() {
	case stateDisconnecting, stateDisconnected, stateDestroyed:
	default:
		if c.cfg.opts.AutoReconnect && c.reconnect.Owner() != nil {
			c.state.set(stateReconnecting)
		} else {
			c.state.set(stateDisconnected)
		}
	}

	if c.cfg.opts.OnConnectionLost != nil {
		c.enqueueCallback(func() { c.cfg.opts.OnConnectionLost(c, reason) })
	}

	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

// callbackLoop dispatches OnConnectionLost/OnConnect callbacks in the order
// they were enqueued, on a single goroutine, so a reconnect's on_interrupted
// always fires before its on_resumed.
func (c *Client) callbackLoop() error {
	for {
		select {
		case fn := <-c.callbacks:
			fn()
		case <-c.stop:
			return nil
		}
	}
}

// enqueueCallback queues fn to run on callbackLoop without blocking the
// caller on user code.
func (c *Client) enqueueCallback(fn func()) {
	select {
	case c.callbacks <- fn:
	case <-c.stop:
	}
}

// IsConnected returns true if the client is currently connected to the server.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect gracefully disconnects from the server.
//
// It sends a DISCONNECT packet, stops all background goroutines, and closes
// the network connection. It blocks until goroutines exit or ctx is done.
// AutoReconnect is disabled after Disconnect; create a new Client to
// reconnect. Disconnect tears the client down from any live state, including
// mid-backoff Reconnecting, not only Connected — a client with AutoReconnect
// attached is never merely idle between hangup and the next connect attempt.
// Called against a client that has already settled into Disconnected or
// Destroyed, it returns KindNotConnected instead of repeating teardown.
func (c *Client) Disconnect(ctx context.Context) error {
	c.cfg.opts.Logger.Debug("disconnecting from server")
	c.reconnect.clearOwner()

	if !c.state.transitionUnless(stateDisconnecting, stateDisconnected, stateDestroyed) {
		return &OpError{Kind: KindNotConnected, Op: "disconnect"}
	}

	c.disconnectOnce.Do(func() {
		if c.connected.Swap(false) {
			select {
			case c.worker.outgoing <- &packets.DisconnectPacket{}:
			case <-time.After(100 * time.Millisecond):
			}
			time.Sleep(100 * time.Millisecond)
		}

		close(c.stop)
		c.timeouts.stopAll()

		c.connLock.Lock()
		if c.worker.conn != nil {
			c.worker.conn.Close()
			c.worker.conn = nil
		}
		c.connLock.Unlock()

		go func() {
			if c.group != nil {
				_ = c.group.Wait()
			}
			c.state.set(stateDisconnected)
			close(c.disconnectDone)
		}()
	})

	select {
	case <-c.disconnectDone:
		c.cfg.opts.Logger.Debug("disconnected successfully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return &OpError{Kind: KindTimeout, Op: "disconnect", Err: fmt.Errorf("timeout waiting for goroutines to exit")}
	}
}

// Ping sends a PINGREQ to the server outside the normal keepalive schedule.
// It returns once the packet has been handed to the write loop. It does not
// wait for the PINGRESP and arms no PINGRESP deadline of its own; a dead
// connection is still detected by writeLoop's keepalive check.
func (c *Client) Ping() error {
	select {
	case c.worker.outgoing <- &packets.PingreqPacket{}:
		return nil
	case <-c.stop:
		return &OpError{Kind: KindConnectionDestroyed, Op: "ping"}
	}
}

// reconnectLoop handles automatic reconnection using reconnectScheduler's
// backoff.
func (c *Client) reconnectLoop() error {
	for {
		select {
		case <-c.disconnected:
			if c.reconnect.Owner() == nil {
				return nil // Disconnect() already detached us.
			}

			delay := c.reconnect.nextDelay()
			select {
			case <-time.After(delay):
			case <-c.stop:
				return nil
			}

			if c.reconnect.Owner() == nil {
				return nil
			}

			c.reconnectCount.Add(1)
			c.state.set(stateReconnecting)

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.opts.ConnectTimeout)
			err := c.connect(ctx)
			cancel()

			if err != nil {
				select {
				case c.disconnected <- struct{}{}:
				default:
				}
				continue
			}

			// CleanSession always starts a fresh session; a broker that didn't
			// preserve the prior one (SessionPresent false) needs the same
			// treatment locally, since every outstanding packet ID and ack is
			// now meaningless to it.
			if c.cfg.opts.CleanSession || !c.sessionPresent {
				c.internalResetState()
				c.resubscribeAll()
			} else {
				c.resendOutstanding()
			}

		case <-c.stop:
			c.cfg.opts.Logger.Debug("reconnectLoop stopped")
			return nil
		}
	}
}

// ClientStats holds connection and throughput statistics.
type ClientStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64
	Connected       bool
}

// GetStats returns the current client statistics.
func (c *Client) GetStats() ClientStats {
	return ClientStats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ReconnectCount:  c.reconnectCount.Load(),
		Connected:       c.IsConnected(),
	}
}

type countingReader struct {
	io.Reader
	c *Client
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.c.bytesReceived.Add(uint64(n))
	}
	return n, err
}

type countingWriter struct {
	io.Writer
	c *Client
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.c.bytesSent.Add(uint64(n))
	}
	return n, err
}
