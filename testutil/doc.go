// Package testutil provides fakes shared by the gateway, broker and adapter
// tests.
//
// # Fakes
//
// RecordingSender stands in for the broker link. It records every envelope
// and can be switched down to exercise the best-effort drop path:
//
//	sender := testutil.NewRecordingSender()
//	gw, _ := gateway.New(cfg, adapter, sender)
//	...
//	require.True(t, sender.WaitFor(2, time.Second))
//	envs := sender.Envelopes()
//
// MockAdapter is a scripted protocol adapter: discovery answers come from
// Resources or DiscoverFunc, updates succeed unless UpdateErr is set, and
// every call is recorded for verification.
//
// MockIngress stands in for the gateway when testing adapters on their own.
// Wait blocks until the adapter reported a check, value or gone event.
//
// All fakes are safe for concurrent use.
package testutil
