package mqtt

import (
	"time"

	"github.com/lunarfort/mqttgo/internal/packets"
)

// retryInterval is how often the logic loop flushes the locally-queued
// publishes held back by MaxInFlight.
const retryInterval = 5 * time.Second

// logicLoop is the single goroutine that handles incoming packets, fired
// timeouts, and the publish-queue flush. Session state (registry, topic
// tree, publish queue) is mutated under sessionLock, both here and by the
// public API methods (Publish, Subscribe, Unsubscribe) on the caller's
// goroutine; readLoop/writeLoop never touch it directly.
func (c *Client) logicLoop() error {
	retryTicker := time.NewTicker(retryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case pkt := <-c.worker.incoming:
			c.sessionLock.Lock()
			c.handleIncoming(pkt)
			c.sessionLock.Unlock()

		case ev := <-c.timeouts.events():
			switch ev.kind {
			case timeoutPing:
				if !c.timeouts.isCurrent(ev) {
					continue
				}
				c.cfg.opts.Logger.Warn("ping timeout, no PINGRESP received within deadline")
				c.handleDisconnect()
			case timeoutOperation:
				c.sessionLock.Lock()
				c.failOperationTimeout(ev.packetID)
				c.sessionLock.Unlock()
			}

		case <-retryTicker.C:
			c.sessionLock.Lock()
			c.processPublishQueue()
			c.sessionLock.Unlock()

		case <-c.stop:
			c.cfg.opts.Logger.Debug("logicLoop stopped")
			c.sessionLock.Lock()
			c.synced.registry.drainAll(&OpError{Kind: KindConnectionDestroyed, Op: "logicLoop"})
			for _, req := range c.synced.publishQueue {
				req.token.complete(&OpError{Kind: KindConnectionDestroyed, Op: "publish"})
			}
			c.synced.publishQueue = nil
			c.sessionLock.Unlock()
			return nil
		}
	}
}

// handleIncoming processes incoming packets from the server.
func (c *Client) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		c.handlePublish(p)
	case *packets.PubackPacket:
		c.handlePuback(p)
	case *packets.PubrecPacket:
		c.handlePubrec(p)
	case *packets.PubrelPacket:
		c.handlePubrel(p)
	case *packets.PubcompPacket:
		c.handlePubcomp(p)
	case *packets.SubackPacket:
		c.handleSuback(p)
	case *packets.UnsubackPacket:
		c.handleUnsuback(p)
	case *packets.PingrespPacket:
		c.timeouts.disarm(timeoutPing)
		select {
		case c.worker.pingPendingCh <- struct{}{}:
		default:
		}
	}
}

// handlePublish processes an incoming PUBLISH packet.
func (c *Client) handlePublish(p *packets.PublishPacket) {
	if p.QoS == 2 {
		if _, exists := c.synced.receivedQoS2[p.PacketID]; exists {
			// Duplicate QoS 2 delivery: acknowledge again, don't redeliver.
			select {
			case c.worker.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
			case <-c.stop:
			default:
			}
			return
		}
		c.synced.receivedQoS2[p.PacketID] = struct{}{}
	}

	var handlers []MessageHandler
	for _, entry := range c.synced.tree.Match(p.Topic) {
		if entry.handler != nil {
			handlers = append(handlers, entry.handler)
		}
	}

	if len(handlers) == 0 && c.cfg.opts.DefaultPublishHandler != nil {
		handlers = append(handlers, c.cfg.opts.DefaultPublishHandler)
	}

	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	for _, handler := range handlers {
		h := handler
		go h(c, msg)
	}

	switch p.QoS {
	case 1:
		select {
		case c.worker.outgoing <- &packets.PubackPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	case 2:
		select {
		case c.worker.outgoing <- &packets.PubrecPacket{PacketID: p.PacketID}:
		case <-c.stop:
		default:
		}
	}
}

// handlePuback processes a PUBACK packet (QoS 1 acknowledgment).
func (c *Client) handlePuback(p *packets.PubackPacket) {
	if op, ok := c.synced.registry.lookup(p.PacketID); ok {
		op.token.complete(nil)
		c.synced.registry.remove(p.PacketID)
		c.synced.inFlightCount--
		c.processPublishQueue()
	}
}

// handlePubrec processes a PUBREC packet (QoS 2, step 1).
func (c *Client) handlePubrec(p *packets.PubrecPacket) {
	if _, ok := c.synced.registry.lookup(p.PacketID); ok {
		pubrel := &packets.PubrelPacket{PacketID: p.PacketID}
		select {
		case c.worker.outgoing <- pubrel:
			c.synced.registry.replace(p.PacketID, pubrel)
		case <-c.stop:
		default:
		}
	}
}

// handlePubrel processes a PUBREL packet (QoS 2, step 2).
func (c *Client) handlePubrel(p *packets.PubrelPacket) {
	select {
	case c.worker.outgoing <- &packets.PubcompPacket{PacketID: p.PacketID}:
	case <-c.stop:
	default:
	}
	delete(c.synced.receivedQoS2, p.PacketID)
}

// handlePubcomp processes a PUBCOMP packet (QoS 2, step 3).
func (c *Client) handlePubcomp(p *packets.PubcompPacket) {
	if op, ok := c.synced.registry.lookup(p.PacketID); ok {
		op.token.complete(nil)
		c.synced.registry.remove(p.PacketID)
		c.synced.inFlightCount--
		c.processPublishQueue()
	}
}

// handleSuback processes a SUBACK packet.
func (c *Client) handleSuback(p *packets.SubackPacket) {
	op, ok := c.synced.registry.lookup(p.PacketID)
	if !ok {
		return
	}

	var err error
	for _, code := range p.ReturnCodes {
		if code >= 0x80 {
			err = ErrSubscriptionFailed
			break
		}
	}

	op.token.complete(err)
	c.synced.registry.remove(p.PacketID)
}

// handleUnsuback processes an UNSUBACK packet.
func (c *Client) handleUnsuback(p *packets.UnsubackPacket) {
	if op, ok := c.synced.registry.lookup(p.PacketID); ok {
		op.token.complete(nil)
		c.synced.registry.remove(p.PacketID)
	}
}

// failOperationTimeout completes an operation's token with KindTimeout and
// removes it from the registry when its configured OperationTimeout fires
// and it is still outstanding. A later ack for the same packet ID finds no
// registry entry and is silently ignored. The caller must hold sessionLock.
func (c *Client) failOperationTimeout(id uint16) {
	op, ok := c.synced.registry.lookup(id)
	if !ok {
		return
	}

	if _, ok := op.packet.(*packets.PublishPacket); ok {
		c.synced.inFlightCount--
	}

	op.token.complete(&OpError{Kind: KindTimeout, Op: "ack"})
	c.synced.registry.remove(id)
}
