package mqtt

import (
	"fmt"
	"time"

	"github.com/lunarfort/mqttgo/internal/packets"
)

// Subscribe subscribes to a topic with the specified QoS level.
//
// The handler function is called for each message received on topics matching
// the subscription filter. If a message matches multiple subscription filters,
// the handlers for all matching subscriptions will be called.
//
// The handler is called in a separate goroutine, so it should not block for
// long periods.
//
// Topic filters support MQTT wildcards:
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// The function returns a Token that completes when the subscription is
// acknowledged by the server.
//
// For persistent sessions (CleanSession=false), it is recommended to use the
// WithSubscription option during Dial instead. This ensures handlers are
// automatically re-registered if the session is lost and the client must
// re-subscribe.
func (c *Client) Subscribe(topic string, qos QoS, handler MessageHandler) Token {
	c.cfg.opts.Logger.Debug("subscribing to topic", "topic", topic, "qos", qos)

	if err := validateSubscribeTopic(topic, c.cfg.opts); err != nil {
		tok := newToken()
		tok.complete(&OpError{Kind: KindInvalidTopic, Op: "subscribe", Err: err})
		return tok
	}

	pkt := &packets.SubscribePacket{
		Topics: []string{topic},
		QoS:    []uint8{uint8(qos)},
	}

	tok := newToken()
	req := &subscribeRequest{
		packet:   pkt,
		handlers: []MessageHandler{handler},
		token:    tok,
	}
	c.internalSubscribe(req)

	return tok
}

// SubscribeFilter is one entry of a SubscribeMultiple call: a topic filter,
// its requested QoS, and the handler invoked for messages matching it.
type SubscribeFilter struct {
	Filter  string
	QoS     QoS
	Handler MessageHandler
}

// SubscribeMultiple subscribes to several topic filters in a single
// SUBSCRIBE packet, acknowledged by one SUBACK covering all of them, rather
// than issuing one Subscribe call (and one SUBACK round trip) per filter.
func (c *Client) SubscribeMultiple(filters []SubscribeFilter) Token {
	c.cfg.opts.Logger.Debug("subscribing to topics", "count", len(filters))

	if len(filters) == 0 {
		tok := newToken()
		tok.complete(&OpError{Kind: KindInvalidState, Op: "subscribe", Err: fmt.Errorf("no filters given")})
		return tok
	}

	topics := make([]string, len(filters))
	qos := make([]uint8, len(filters))
	handlers := make([]MessageHandler, len(filters))
	for i, f := range filters {
		if err := validateSubscribeTopic(f.Filter, c.cfg.opts); err != nil {
			tok := newToken()
			tok.complete(&OpError{Kind: KindInvalidTopic, Op: "subscribe", Err: err})
			return tok
		}
		topics[i] = f.Filter
		qos[i] = uint8(f.QoS)
		handlers[i] = f.Handler
	}

	pkt := &packets.SubscribePacket{Topics: topics, QoS: qos}
	tok := newToken()
	req := &subscribeRequest{packet: pkt, handlers: handlers, token: tok}
	c.internalSubscribe(req)

	return tok
}

// SubscribeLocal registers handler for topic in the local subscription tree
// without sending a SUBSCRIBE packet to the server. Messages the broker
// delivers unprompted (e.g. matching a subscription set up out of band, or
// forwarded by a bridge) are still routed to handler, but no wire traffic is
// generated and no SUBACK is ever expected. The returned Token is already
// complete.
func (c *Client) SubscribeLocal(topic string, qos QoS, handler MessageHandler) Token {
	c.cfg.opts.Logger.Debug("subscribing locally (no wire traffic)", "topic", topic, "qos", qos)

	tok := newToken()
	if err := validateSubscribeTopic(topic, c.cfg.opts); err != nil {
		tok.complete(&OpError{Kind: KindInvalidTopic, Op: "subscribe", Err: err})
		return tok
	}

	entry := subscriptionEntry{handler: handler, qos: uint8(qos)}

	c.sessionLock.Lock()
	err := c.synced.tree.Apply([]topicOp{{filter: topic, entry: entry}})
	c.sessionLock.Unlock()

	tok.complete(err)
	return tok
}

// Unsubscribe unsubscribes from one or more topics.
//
// After unsubscribing, the client will no longer receive messages on the
// specified topics. The function returns a Token that completes when the
// unsubscription is acknowledged by the server.
func (c *Client) Unsubscribe(topics ...string) Token {
	c.cfg.opts.Logger.Debug("unsubscribing from topics", "topics", topics)

	if len(topics) == 0 {
		tok := newToken()
		tok.complete(nil)
		return tok
	}

	pkt := &packets.UnsubscribePacket{Topics: topics}
	tok := newToken()
	req := &unsubscribeRequest{
		packet: pkt,
		topics: topics,
		token:  tok,
	}
	c.internalUnsubscribe(req)

	return tok
}

// Resubscribe resends a SUBSCRIBE for every filter currently registered in
// the local subscription tree. resubscribeAll otherwise only runs
// automatically, from DialContext and reconnectLoop, after a connect where
// the session wasn't resumed; Resubscribe exposes the same resync without
// requiring a reconnect.
func (c *Client) Resubscribe() {
	c.resubscribeAll()
}

// resubscribeAll resends a SUBSCRIBE for every currently registered filter
// after a connection where the server did not resume a prior session.
// Called automatically from reconnectLoop, and from DialContext when
// WithSubscription filters are set.
func (c *Client) resubscribeAll() {
	c.sessionLock.Lock()

	filters := collectFilters(c.synced.tree.root)
	if len(filters) == 0 {
		c.sessionLock.Unlock()
		return
	}
	c.cfg.opts.Logger.Debug("resubscribing to topics", "count", len(filters))

	// Most brokers cap a single SUBSCRIBE packet's topic count; batch rather
	// than send one filter per packet.
	const batchSize = 100

	for i := 0; i < len(filters); i += batchSize {
		end := min(i+batchSize, len(filters))
		batch := filters[i:end]

		topics := make([]string, 0, len(batch))
		qos := make([]uint8, 0, len(batch))
		for _, f := range batch {
			topics = append(topics, f.filter)
			qos = append(qos, f.entry.qos)
		}

		pkt := &packets.SubscribePacket{Topics: topics, QoS: qos}
		op := getPendingOp()
		op.packet = pkt
		op.token = newToken()
		op.timestamp = time.Now()
		pkt.PacketID = c.synced.registry.allocate(op)
		c.armOperationTimeout(pkt.PacketID, op)

		select {
		case c.worker.outgoing <- pkt:
		case <-c.stop:
			c.sessionLock.Unlock()
			return
		}

		c.cfg.opts.Logger.Debug("resubscribe packet sent", "packet_id", pkt.PacketID, "topics_count", len(topics))
	}

	c.sessionLock.Unlock()
}

type topicFilter struct {
	filter string
	entry  subscriptionEntry
}

// collectFilters walks the topic tree and flattens it back into a filter
// list, for resubscribeAll and diagnostics.
func collectFilters(node *topicNode) []topicFilter {
	if node == nil {
		return nil
	}
	var out []topicFilter
	for f, e := range node.subs {
		out = append(out, topicFilter{filter: f, entry: e})
	}
	for f, e := range node.hash {
		out = append(out, topicFilter{filter: f, entry: e})
	}
	for _, c := range node.children {
		out = append(out, collectFilters(c)...)
	}
	out = append(out, collectFilters(node.plus)...)
	return out
}
