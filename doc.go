// Package mqtt provides an idiomatic MQTT 3.1.1 client library for Go.
//
// It supports plain TCP, TLS, and WebSocket transports (optionally routed
// through an HTTP or SOCKS5 proxy), all three QoS levels, wildcard
// subscriptions, automatic reconnection with exponential backoff, and a
// functional-options configuration API.
//
// # Quick Start
//
// Connect to a server and publish a message:
//
//	client, err := mqtt.Dial("tcp://localhost:1883", mqtt.WithClientID("my-client"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
//	token := client.Publish("sensors/temperature", []byte("22.5"), mqtt.WithQoS(1))
//	err = token.Wait(context.Background())
//
// Subscribe to a topic:
//
//	client.Subscribe("sensors/+/temperature", mqtt.AtLeastOnce,
//	    func(c *mqtt.Client, msg mqtt.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, string(msg.Payload))
//	    })
//
// # Connection Options
//
//   - WithClientID(id) - set the MQTT client identifier; a random one is
//     generated via github.com/google/uuid if left empty with CleanSession=true
//   - WithCredentials(user, pass) - set username and password
//   - WithKeepAlive(duration) - set keepalive interval (default 60s)
//   - WithCleanSession(bool) - set the clean session flag
//   - WithAutoReconnect(bool) - enable automatic reconnection (default true)
//   - WithReconnectBackoff(min, max) - configure reconnect delay bounds
//   - WithTLS(config) - enable TLS encryption
//   - WithHTTPProxy(url) - route the connection through an HTTP/SOCKS5 proxy
//   - WithWebsocketSubprotocol / WithWebsocketHeader - configure a WebSocket transport
//   - WithWill(topic, payload, qos, retained) - set the Last Will and Testament
//   - WithMaxInFlight(max) - cap unacknowledged QoS 1/2 publishes
//   - WithOperationTimeout(d) - fail a publish/subscribe/unsubscribe that
//     goes unacknowledged for longer than d (default: no timeout)
//
// # Transports
//
// The server URL's scheme selects the transport:
//
//	tcp://, mqtt://   plain TCP (default port 1883)
//	tls://, ssl://,
//	mqtts://          TLS (default port 8883)
//	ws://             WebSocket (default port 1883)
//	wss://            WebSocket over TLS (default port 8883)
//
//	client, err := mqtt.Dial("wss://server:443/mqtt",
//	    mqtt.WithWebsocketSubprotocol("mqtt"),
//	    mqtt.WithTLS(&tls.Config{}))
//
// # Quality of Service
//
//   - QoS 0 (mqtt.AtMostOnce): fire and forget
//   - QoS 1 (mqtt.AtLeastOnce): acknowledged delivery
//   - QoS 2 (mqtt.ExactlyOnce): assured, exactly-once delivery
//
//	client.Publish("topic", []byte("data"), mqtt.WithQoS(mqtt.AtLeastOnce))
//
// # Wildcard Subscriptions
//
//   - '+' matches a single level (e.g. "sensors/+/temperature")
//   - '#' matches multiple levels (e.g. "sensors/#")
//
// Per MQTT-4.7.2-1, a filter beginning with a wildcard never matches a
// topic name beginning with '$'.
//
// # Error Handling
//
// Operations return a Token for both blocking and non-blocking completion:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := token.Wait(ctx); err != nil {
//	    var opErr *mqtt.OpError
//	    if errors.As(err, &opErr) && opErr.Kind == mqtt.KindTimeout {
//	        log.Printf("timed out: %v", err)
//	    }
//	}
//
//	select {
//	case <-token.Done():
//	    if err := token.Error(); err != nil {
//	        log.Printf("failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("timeout")
//	}
//
// The client reconnects automatically unless WithAutoReconnect(false) is set.
package mqtt
