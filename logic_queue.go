package mqtt

// processPublishQueue sends as many locally queued QoS>0 publishes as
// MaxInFlight capacity allows. The caller must hold sessionLock.
func (c *Client) processPublishQueue() {
	for len(c.synced.publishQueue) > 0 {
		if c.cfg.opts.MaxInFlight > 0 && c.synced.inFlightCount >= c.cfg.opts.MaxInFlight {
			return
		}

		req := c.synced.publishQueue[0]
		if !c.sendPublishLocked(req) {
			return
		}
		c.synced.publishQueue = c.synced.publishQueue[1:]
	}
}
