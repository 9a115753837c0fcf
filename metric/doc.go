// Package metric provides the gateway's Prometheus metrics and the HTTP server
// that exposes them.
//
// The package has three parts:
//
//  1. Core metrics (Metrics): node counts, envelope traffic, broker link state,
//     device operation latency. Registered automatically.
//  2. Component registration (MetricsRegistrar): the worker pool and protocol
//     adapters register their own collectors under a service name.
//  3. HTTP server (Server): /metrics in Prometheus format plus /health.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	monitor := health.NewMonitor()
//	server := metric.NewServer(":9090", "/metrics", registry, monitor.Handler("cotgate"))
//
//	g.Go(func() error { return server.Run(ctx) })
//
//	registry.CoreMetrics().RecordBrokerStatus(true)
//
// Every metric lives under the "cotgate" namespace, for example
// cotgate_envelopes_sent_total{type="update"} or cotgate_broker_connected.
//
// # Thread Safety
//
// Registration is guarded by a mutex. Recording goes straight to the Prometheus
// collectors, which are safe for concurrent use.
package metric
