// Package health tracks the liveness of gateway components.
//
// Three states are reported: healthy, degraded and unhealthy. The broker link
// reports unhealthy while disconnected; protocol adapters report their listener
// state; the gateway core reports the number of live nodes.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("broker", "connected")
//	monitor.Update("coap", health.FromError("coap", err))
//
//	http.Handle("/health", monitor.Handler("cotgate"))
//
// Error messages pass through Sanitize before being exposed, so broker URLs and
// credential-looking pairs never leave the process through the health endpoint.
package health
