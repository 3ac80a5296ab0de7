package mqtt

import (
	"time"

	"github.com/lunarfort/mqttgo/internal/packets"
)

// internalPublish processes a publish request synchronously with locking.
func (c *Client) internalPublish(req *publishRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	if pkt.QoS == 0 {
		c.sessionLock.Unlock()
		select {
		case c.worker.outgoing <- pkt:
			req.token.complete(nil)
		case <-c.stop:
			req.token.complete(&OpError{Kind: KindConnectionDestroyed, Op: "publish"})
		}
		return
	}

	// MaxInFlight is a client-local flow control cap, not a server-negotiated
	// one: once it's reached, additional QoS>0 publishes queue locally until
	// an ack frees a slot (see processPublishQueue).
	if c.cfg.opts.MaxInFlight > 0 && c.synced.inFlightCount >= c.cfg.opts.MaxInFlight {
		c.synced.publishQueue = append(c.synced.publishQueue, req)
		c.sessionLock.Unlock()
		return
	}

	if !c.sendPublishLocked(req) && req.token.Error() == nil {
		select {
		case <-req.token.Done():
			// Already completed with an error inside sendPublishLocked.
		default:
			c.synced.publishQueue = append(c.synced.publishQueue, req)
		}
	}
	c.sessionLock.Unlock()
}

// sendPublishLocked enqueues pkt for sending and registers it in the
// registry. The caller must hold sessionLock.
func (c *Client) sendPublishLocked(req *publishRequest) bool {
	pkt := req.packet

	op := getPendingOp()
	op.packet = pkt
	op.token = req.token
	op.qos = pkt.QoS
	op.timestamp = time.Now()

	pkt.PacketID = c.synced.registry.allocate(op)
	c.armOperationTimeout(pkt.PacketID, op)
	c.synced.inFlightCount++

	select {
	case c.worker.outgoing <- pkt:
		return true
	case <-c.stop:
		c.synced.registry.remove(pkt.PacketID)
		c.synced.inFlightCount--
		req.token.complete(&OpError{Kind: KindConnectionDestroyed, Op: "publish"})
		return false
	default:
		// Outgoing queue is momentarily full; undo the reservation and let
		// the caller retry (internalPublish puts it on publishQueue, and
		// processPublishQueue keeps it at the front until the retry ticker
		// or the next ack flushes the queue).
		c.synced.registry.remove(pkt.PacketID)
		c.synced.inFlightCount--
		return false
	}
}

// internalSubscribe processes a subscribe request synchronously with locking.
func (c *Client) internalSubscribe(req *subscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	op := getPendingOp()
	op.packet = pkt
	op.token = req.token
	op.timestamp = time.Now()
	pkt.PacketID = c.synced.registry.allocate(op)
	c.armOperationTimeout(pkt.PacketID, op)

	// Register the handler before the SUBACK arrives: the server may start
	// delivering matching PUBLISH packets immediately after SUBSCRIBE, before
	// the acknowledgment makes it back.
	ops := make([]topicOp, 0, len(pkt.Topics))
	for i, topic := range pkt.Topics {
		qos := uint8(0)
		if i < len(pkt.QoS) {
			qos = pkt.QoS[i]
		}
		var handler MessageHandler
		if i < len(req.handlers) {
			handler = req.handlers[i]
		}
		ops = append(ops, topicOp{filter: topic, entry: subscriptionEntry{handler: handler, qos: qos}})
	}

	if err := c.synced.tree.Apply(ops); err != nil {
		c.synced.registry.remove(pkt.PacketID)
		c.sessionLock.Unlock()
		req.token.complete(err)
		return
	}

	c.sessionLock.Unlock()
	select {
	case c.worker.outgoing <- pkt:
	case <-c.stop:
		// The packet never reached the wire: a handler registered
		// speculatively for a SUBSCRIBE that's never going out must not
		// linger and silently receive messages nobody asked the server for.
		c.sessionLock.Lock()
		c.synced.registry.remove(pkt.PacketID)
		c.sessionLock.Unlock()
		c.rollbackTopicOps(invertInserts(ops))
		req.token.complete(&OpError{Kind: KindConnectionDestroyed, Op: "subscribe"})
	}
}

// internalUnsubscribe processes an unsubscribe request synchronously with locking.
func (c *Client) internalUnsubscribe(req *unsubscribeRequest) {
	pkt := req.packet

	c.sessionLock.Lock()

	op := getPendingOp()
	op.packet = pkt
	op.token = req.token
	op.timestamp = time.Now()
	pkt.PacketID = c.synced.registry.allocate(op)
	c.armOperationTimeout(pkt.PacketID, op)

	// Snapshot each filter's current entry before removing it, so a failed
	// send below can restore exactly what was there instead of leaving a gap.
	snapshot := make([]topicOp, 0, len(req.topics))
	for _, topic := range req.topics {
		if e, ok := c.synced.tree.Lookup(topic); ok {
			snapshot = append(snapshot, topicOp{filter: topic, entry: e})
		}
	}

	ops := make([]topicOp, 0, len(req.topics))
	for _, topic := range req.topics {
		ops = append(ops, topicOp{filter: topic, remove: true})
	}

	if err := c.synced.tree.Apply(ops); err != nil {
		c.synced.registry.remove(pkt.PacketID)
		c.sessionLock.Unlock()
		req.token.complete(err)
		return
	}

	c.sessionLock.Unlock()
	select {
	case c.worker.outgoing <- pkt:
	case <-c.stop:
		c.rollbackTopicOps(snapshot)
		req.token.complete(&OpError{Kind: KindConnectionDestroyed, Op: "unsubscribe"})
	}
}

// invertInserts builds the inverse of a batch of insert ops, for rolling
// back a subscribe whose SUBSCRIBE packet never reached the outgoing queue.
func invertInserts(ops []topicOp) []topicOp {
	inverse := make([]topicOp, 0, len(ops))
	for _, op := range ops {
		inverse = append(inverse, topicOp{filter: op.filter, remove: true})
	}
	return inverse
}

// rollbackTopicOps re-applies ops against the topic tree to undo a mutation
// already committed by Apply, used when the packet it was done on behalf of
// never made it to the wire.
func (c *Client) rollbackTopicOps(ops []topicOp) {
	if len(ops) == 0 {
		return
	}
	c.sessionLock.Lock()
	_ = c.synced.tree.Apply(ops)
	c.sessionLock.Unlock()
}

// internalResetState drops all session state kept locally, used both on an
// unexpected hangup with CleanSession set (the broker will discard the
// session too, so pending operations are failed immediately rather than
// waiting for a reconnect) and after a reconnect where SessionPresent came
// back false.
func (c *Client) internalResetState() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	c.synced.registry.drainAll(&OpError{Kind: KindCancelledForCleanSession, Op: "session"})
	c.synced.inFlightCount = 0
	c.synced.receivedQoS2 = make(map[uint16]struct{})
}

// resendOutstanding retransmits every outstanding PUBLISH with DUP=1 after a
// reconnect that resumed the prior session (SessionPresent true): SUBSCRIBE
// and UNSUBSCRIBE packets are also re-sent as-is since re-delivering them is
// harmless and the original SUBACK/UNSUBACK may have been lost with the
// connection.
func (c *Client) resendOutstanding() {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	c.synced.registry.forEach(func(id uint16, op *pendingOp) {
		if pub, ok := op.packet.(*packets.PublishPacket); ok {
			pub.Dup = true
		}
		op.timestamp = time.Now()
		select {
		case c.worker.outgoing <- op.packet:
		case <-c.stop:
		}
	})
}
