package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lunarfort/mqttgo/internal/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a DialFunc that hands the server half of a fresh
// net.Pipe to brokerFn (run in its own goroutine, one per dial) and the
// client half back to the caller, standing in for a real broker the way
// the teacher's own tests stand in for one with net.Pipe.
func pipeDialer(t *testing.T, brokerFn func(t *testing.T, conn net.Conn)) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		go brokerFn(t, serverConn)
		return clientConn, nil
	}
}

// acceptConnect reads the CONNECT packet a connecting client sends and
// replies with a CONNACK carrying the given SessionPresent flag.
func acceptConnect(t *testing.T, conn net.Conn, sessionPresent bool) {
	t.Helper()
	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	_, ok := pkt.(*packets.ConnectPacket)
	require.True(t, ok, "expected CONNECT, got %T", pkt)

	ack := &packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: packets.ConnAccepted}
	_, err = ack.WriteTo(conn)
	require.NoError(t, err)
}

func testClientOpts(dialer DialFunc, opts ...Option) []Option {
	base := []Option{
		WithDialer(dialer),
		WithConnectTimeout(2 * time.Second),
		WithAutoReconnect(false),
	}
	return append(base, opts...)
}

// TestQoS1PublishRoundTrip covers scenario S1: publish(QoS1) against a
// broker that PUBACKs the same id completes the token exactly once with no
// outstanding entry left behind.
func TestQoS1PublishRoundTrip(t *testing.T) {
	t.Parallel()

	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		pkt, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		pub, ok := pkt.(*packets.PublishPacket)
		require.True(t, ok, "expected PUBLISH, got %T", pkt)
		assert.Equal(t, "a/b", pub.Topic)

		ack := &packets.PubackPacket{PacketID: pub.PacketID}
		_, err = ack.WriteTo(conn)
		require.NoError(t, err)
	})

	client, err := DialContext(context.Background(), "tcp://mock", testClientOpts(dialer)...)
	require.NoError(t, err)
	defer close(client.stop)

	tok := client.Publish("a/b", []byte("hi"), WithQoS(AtLeastOnce))
	require.NoError(t, tok.Wait(context.Background()))

	assert.Eventually(t, func() bool {
		client.sessionLock.Lock()
		defer client.sessionLock.Unlock()
		return client.synced.registry.len() == 0
	}, time.Second, 5*time.Millisecond)
}

// TestSubscribeThenReceive covers scenario S2.
func TestSubscribeThenReceive(t *testing.T) {
	t.Parallel()

	published := make(chan struct{})
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		pkt, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		sub, ok := pkt.(*packets.SubscribePacket)
		require.True(t, ok, "expected SUBSCRIBE, got %T", pkt)

		suback := &packets.SubackPacket{PacketID: sub.PacketID, ReturnCodes: []uint8{packets.SubackQoS1}}
		_, err = suback.WriteTo(conn)
		require.NoError(t, err)

		pub := &packets.PublishPacket{Topic: "s/x", Payload: []byte{0x01, 0x02}, QoS: 1, PacketID: 1}
		_, err = pub.WriteTo(conn)
		require.NoError(t, err)
		close(published)

		// Drain the PUBACK the client sends back so writeLoop doesn't block.
		_, _ = packets.ReadPacket(conn, 0)
	})

	client, err := DialContext(context.Background(), "tcp://mock", testClientOpts(dialer)...)
	require.NoError(t, err)
	defer close(client.stop)

	received := make(chan Message, 1)
	tok := client.Subscribe("s/#", AtLeastOnce, func(c *Client, msg Message) {
		received <- msg
	})
	require.NoError(t, tok.Wait(context.Background()))

	<-published
	select {
	case msg := <-received:
		assert.Equal(t, "s/x", msg.Topic)
		assert.Equal(t, []byte{0x01, 0x02}, msg.Payload)
		assert.False(t, msg.Duplicate)
		assert.Equal(t, QoS(1), msg.QoS)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

// TestOperationTimeout covers scenario S3: a QoS1 publish against a broker
// that never PUBACKs fails with KindTimeout once the configured
// OperationTimeout elapses, and a PUBACK that arrives for that id afterward
// is silently dropped rather than completing (or double-completing) the
// token.
func TestOperationTimeout(t *testing.T) {
	t.Parallel()

	var packetID uint16
	gotID := make(chan struct{})
	lateAck := make(chan struct{})
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		pkt, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		pub, ok := pkt.(*packets.PublishPacket)
		require.True(t, ok, "expected PUBLISH, got %T", pkt)
		packetID = pub.PacketID
		close(gotID)

		<-lateAck
		ack := &packets.PubackPacket{PacketID: packetID}
		_, _ = ack.WriteTo(conn)
	})

	client, err := DialContext(context.Background(), "tcp://mock",
		testClientOpts(dialer, WithOperationTimeout(20*time.Millisecond))...)
	require.NoError(t, err)
	defer close(client.stop)

	tok := client.Publish("t", []byte("x"), WithQoS(AtLeastOnce))
	<-gotID

	err = tok.Wait(context.Background())
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindTimeout, opErr.Kind)

	close(lateAck)

	// The registry entry is gone, so the late PUBACK must not be visible as
	// a second completion; token.complete is idempotent so re-waiting still
	// observes the original Timeout error.
	time.Sleep(50 * time.Millisecond)
	err = tok.Wait(context.Background())
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindTimeout, opErr.Kind)
}

// TestNoOperationTimeoutByDefault covers the spec default: with
// OperationTimeout left at zero, an outstanding publish never times out on
// its own; it only resolves via its ack or client teardown.
func TestNoOperationTimeoutByDefault(t *testing.T) {
	t.Parallel()

	gotID := make(chan struct{})
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		_, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		close(gotID)
		// Never PUBACK.
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	client, err := DialContext(context.Background(), "tcp://mock", testClientOpts(dialer)...)
	require.NoError(t, err)
	defer close(client.stop)

	tok := client.Publish("t", []byte("x"), WithQoS(AtLeastOnce))
	<-gotID

	select {
	case <-tok.Done():
		t.Fatal("token completed without an ack or a configured OperationTimeout")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestCleanSessionHangupCancelsPendingBeforeReconnect covers scenario S5:
// with CleanSession true, a hangup completes pending subscribes with
// CancelledForCleanSession immediately, not after some later reconnect.
func TestCleanSessionHangupCancelsPendingBeforeReconnect(t *testing.T) {
	t.Parallel()

	hangUp := make(chan struct{})
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		// Read (and ignore) the two SUBSCRIBE packets, never SUBACK them.
		_, _ = packets.ReadPacket(conn, 0)
		_, _ = packets.ReadPacket(conn, 0)
		<-hangUp
		conn.Close()
	})

	client, err := DialContext(context.Background(), "tcp://mock",
		testClientOpts(dialer, WithCleanSession(true))...)
	require.NoError(t, err)
	defer close(client.stop)

	tok1 := client.Subscribe("a/b", AtLeastOnce, func(*Client, Message) {})
	tok2 := client.Subscribe("c/d", AtLeastOnce, func(*Client, Message) {})

	close(hangUp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err1 := tok1.Wait(ctx)
	err2 := tok2.Wait(ctx)

	for _, err := range []error{err1, err2} {
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, KindCancelledForCleanSession, opErr.Kind)
	}
}

// TestKeepAliveTimeoutShutsDownConnection covers scenario S6: a broker that
// never answers a PINGREQ causes the connection to be torn down with a
// Timeout/UnexpectedHangup reason delivered through OnConnectionLost.
func TestKeepAliveTimeoutShutsDownConnection(t *testing.T) {
	t.Parallel()

	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		// Keep draining whatever the client writes, but never answer: no
		// PINGRESP is ever sent.
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	lost := make(chan error, 1)
	client, err := DialContext(context.Background(), "tcp://mock",
		testClientOpts(dialer,
			WithKeepAlive(80*time.Millisecond),
			WithOnConnectionLost(func(c *Client, err error) {
				select {
				case lost <- err:
				default:
				}
			}))...)
	require.NoError(t, err)
	defer close(client.stop)

	select {
	case err := <-lost:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnectionLost never fired")
	}
	assert.False(t, client.IsConnected())
}

// TestReconnectResendsOutstandingWithDup covers scenario S4's resend half:
// an outstanding QoS1 publish survives a hangup and is re-sent with DUP=1
// once a reconnect resumes the session (SessionPresent=true).
func TestReconnectResendsOutstandingWithDup(t *testing.T) {
	t.Parallel()

	attempt := 0
	firstConnDone := make(chan struct{})
	resent := make(chan *packets.PublishPacket, 1)

	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		n := attempt
		attempt++
		go func() {
			if n == 0 {
				acceptConnect(t, serverConn, false)
				pkt, err := packets.ReadPacket(serverConn, 0)
				if err != nil {
					return
				}
				if _, ok := pkt.(*packets.PublishPacket); ok {
					close(firstConnDone)
				}
				// Hang up without ever PUBACKing: simulates the unexpected
				// disconnect in S4.
				serverConn.Close()
				return
			}

			acceptConnect(t, serverConn, true) // session resumed
			pkt, err := packets.ReadPacket(serverConn, 0)
			if err != nil {
				return
			}
			if pub, ok := pkt.(*packets.PublishPacket); ok {
				resent <- pub
			}
		}()
		return clientConn, nil
	}

	client, err := DialContext(context.Background(), "tcp://mock",
		WithDialer(DialFunc(dialer)),
		WithConnectTimeout(2*time.Second),
		WithCleanSession(false),
		WithClientID("resume-test"),
		WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond),
		WithAutoReconnect(true))
	require.NoError(t, err)
	defer close(client.stop)

	client.Publish("t", []byte("x"), WithQoS(AtLeastOnce))
	<-firstConnDone

	select {
	case pub := <-resent:
		assert.True(t, pub.Dup, "resent publish must carry DUP=1")
		assert.Equal(t, "t", pub.Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("outstanding publish was never resent after reconnect")
	}
}

// TestDisconnectDuringReconnectBackoff covers the case where Disconnect is
// called while the client is mid-backoff after an unexpected hangup, not
// while Connected: it must still tear the client down and return, rather
// than silently no-op because handleDisconnect already flipped `connected`
// false at hangup time.
func TestDisconnectDuringReconnectBackoff(t *testing.T) {
	t.Parallel()

	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		go func() {
			acceptConnect(t, serverConn, false)
			// Hang up immediately, with no further traffic: the client
			// should land in Reconnecting, not Disconnected.
			serverConn.Close()
		}()
		return clientConn, nil
	}

	client, err := DialContext(context.Background(), "tcp://mock",
		WithDialer(DialFunc(dialer)),
		WithConnectTimeout(2*time.Second),
		WithReconnectBackoff(time.Hour, time.Hour),
		WithAutoReconnect(true))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.state.current() == stateReconnecting
	}, time.Second, 5*time.Millisecond, "client never entered Reconnecting after the hangup")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Disconnect(ctx))
	assert.Equal(t, stateDisconnected, client.state.current())

	// A second Disconnect against the now-idle client reports NotConnected
	// instead of repeating teardown.
	err = client.Disconnect(context.Background())
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindNotConnected, opErr.Kind)
}

// TestSubscribeMultipleSingleSuback covers SubscribeMultiple: several
// filters batched into one SUBSCRIBE are acknowledged by a single SUBACK,
// and each filter's handler is wired up independently.
func TestSubscribeMultipleSingleSuback(t *testing.T) {
	t.Parallel()

	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		pkt, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		sub, ok := pkt.(*packets.SubscribePacket)
		require.True(t, ok, "expected SUBSCRIBE, got %T", pkt)
		require.Equal(t, []string{"a/1", "a/2"}, sub.Topics)

		suback := &packets.SubackPacket{
			PacketID:    sub.PacketID,
			ReturnCodes: []uint8{packets.SubackQoS0, packets.SubackQoS1},
		}
		_, err = suback.WriteTo(conn)
		require.NoError(t, err)
	})

	client, err := DialContext(context.Background(), "tcp://mock", testClientOpts(dialer)...)
	require.NoError(t, err)
	defer close(client.stop)

	var got1, got2 bool
	tok := client.SubscribeMultiple([]SubscribeFilter{
		{Filter: "a/1", QoS: AtMostOnce, Handler: func(*Client, Message) { got1 = true }},
		{Filter: "a/2", QoS: AtLeastOnce, Handler: func(*Client, Message) { got2 = true }},
	})
	require.NoError(t, tok.Wait(context.Background()))

	client.sessionLock.Lock()
	entry1, ok1 := client.synced.tree.Lookup("a/1")
	entry2, ok2 := client.synced.tree.Lookup("a/2")
	client.sessionLock.Unlock()
	require.True(t, ok1)
	require.True(t, ok2)

	entry1.handler(client, Message{})
	entry2.handler(client, Message{})
	assert.True(t, got1)
	assert.True(t, got2)
}

// TestSubscribeLocalGeneratesNoWireTraffic covers SubscribeLocal: the
// handler is routed to locally, but nothing is ever sent to the broker.
func TestSubscribeLocalGeneratesNoWireTraffic(t *testing.T) {
	t.Parallel()

	sawTraffic := make(chan struct{}, 1)
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err == nil {
			sawTraffic <- struct{}{}
		}
	})

	client, err := DialContext(context.Background(), "tcp://mock", testClientOpts(dialer)...)
	require.NoError(t, err)
	defer close(client.stop)

	received := make(chan Message, 1)
	tok := client.SubscribeLocal("local/topic", AtMostOnce, func(c *Client, msg Message) {
		received <- msg
	})
	require.NoError(t, tok.Wait(context.Background()))

	client.sessionLock.Lock()
	entry, ok := client.synced.tree.Lookup("local/topic")
	client.sessionLock.Unlock()
	require.True(t, ok)
	entry.handler(client, Message{Topic: "local/topic"})

	select {
	case msg := <-received:
		assert.Equal(t, "local/topic", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("locally-registered handler was never invoked")
	}

	select {
	case <-sawTraffic:
		t.Fatal("SubscribeLocal must not generate any wire traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPingSendsExplicitPingreq covers Ping: it hands a PINGREQ to the write
// loop outside the normal keepalive schedule.
func TestPingSendsExplicitPingreq(t *testing.T) {
	t.Parallel()

	gotPing := make(chan struct{})
	dialer := pipeDialer(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, false)
		pkt, err := packets.ReadPacket(conn, 0)
		require.NoError(t, err)
		_, ok := pkt.(*packets.PingreqPacket)
		require.True(t, ok, "expected PINGREQ, got %T", pkt)
		close(gotPing)
	})

	client, err := DialContext(context.Background(), "tcp://mock",
		testClientOpts(dialer, WithKeepAlive(0))...)
	require.NoError(t, err)
	defer close(client.stop)

	require.NoError(t, client.Ping())

	select {
	case <-gotPing:
	case <-time.After(time.Second):
		t.Fatal("Ping never reached the broker")
	}
}

// TestSubscribeRollsBackOnTeardown covers the send-failure rollback half of
// internalSubscribe: if the client is torn down before the SUBSCRIBE packet
// reaches the outgoing queue, the speculatively-registered handler must not
// linger in the topic tree.
func TestSubscribeRollsBackOnTeardown(t *testing.T) {
	t.Parallel()

	client := &Client{
		cfg:   connConfig{opts: defaultOptions("tcp://mock")},
		stop:  make(chan struct{}),
		state: &stateMachine{},
	}
	client.synced = connSynced{
		registry:     newRegistry(),
		tree:         newTopicTree(),
		receivedQoS2: make(map[uint16]struct{}),
	}
	// No writeLoop is running, so worker.outgoing has no reader; close(stop)
	// immediately makes the <-c.stop branch of internalSubscribe win.
	client.worker = connWorker{outgoing: make(chan packets.Packet)}
	close(client.stop)

	tok := newToken()
	req := &subscribeRequest{
		packet:   &packets.SubscribePacket{Topics: []string{"x/y"}, QoS: []uint8{0}},
		handlers: []MessageHandler{func(*Client, Message) {}},
		token:    tok,
	}
	client.internalSubscribe(req)

	err := tok.Wait(context.Background())
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindConnectionDestroyed, opErr.Kind)

	_, ok := client.synced.tree.Lookup("x/y")
	assert.False(t, ok, "a subscribe whose packet never reached the wire must not leave a handler registered")
	assert.Equal(t, 0, client.synced.registry.len())
}

// TestUnsubscribeRollsBackOnTeardown covers the send-failure rollback half
// of internalUnsubscribe: if the client is torn down before the UNSUBSCRIBE
// packet reaches the outgoing queue, the removed entry must be restored
// rather than left gone.
func TestUnsubscribeRollsBackOnTeardown(t *testing.T) {
	t.Parallel()

	client := &Client{
		cfg:   connConfig{opts: defaultOptions("tcp://mock")},
		stop:  make(chan struct{}),
		state: &stateMachine{},
	}
	handler := func(*Client, Message) {}
	client.synced = connSynced{
		registry:     newRegistry(),
		tree:         newTopicTree(),
		receivedQoS2: make(map[uint16]struct{}),
	}
	client.synced.tree.Insert("x/y", subscriptionEntry{handler: handler, qos: 1})
	client.worker = connWorker{outgoing: make(chan packets.Packet)}
	close(client.stop)

	tok := newToken()
	req := &unsubscribeRequest{
		packet: &packets.UnsubscribePacket{Topics: []string{"x/y"}},
		topics: []string{"x/y"},
		token:  tok,
	}
	client.internalUnsubscribe(req)

	err := tok.Wait(context.Background())
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, KindConnectionDestroyed, opErr.Kind)

	entry, ok := client.synced.tree.Lookup("x/y")
	require.True(t, ok, "an unsubscribe whose packet never reached the wire must restore the removed entry")
	assert.Equal(t, uint8(1), entry.qos)
}
