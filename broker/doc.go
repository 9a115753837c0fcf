// Package broker maintains the gateway's websocket link to the central broker.
//
// # Session protocol
//
//  1. Dial the broker URL (ws:// or wss://). On failure wait RetryInterval
//     and dial again, forever. The interval is fixed.
//  2. Send the bearer token as the first text frame.
//  3. Wait SettleDelay, then call Handler.BrokerConnected so the gateway
//     replays its cache to every client.
//  4. Hand every frame read to Handler.BrokerMessage until the read fails,
//     then go back to 1.
//
// Outbound frames go through a bounded per-connection outbox drained by a
// single writer goroutine. While the link is down Send drops the frame and
// reports false. While a session is up a full outbox makes Send wait for the
// writer; the wait ends with false only if the session ends first. Nothing
// is queued across reconnects; the replay in step 3 restores the broker's
// view.
//
// Every session failure is retried, including a failed token issue. The
// "broker" health entry is unhealthy until the first session, then degraded
// while the link reconnects. A panic inside a session is recovered and
// treated as that connection's failure.
//
// # Usage
//
//	link, err := broker.NewLink(broker.DefaultConfig("ws://broker:8000/gw"), codec,
//	    broker.WithLogger(logger),
//	    broker.WithMetrics(registry.CoreMetrics()),
//	)
//	gw, err := gateway.New(cfg, adapter, link)
//	go link.Run(ctx, gw)
package broker
