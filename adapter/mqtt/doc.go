// Package mqtt connects MQTT devices to the gateway through a shared broker.
//
// Topics:
//
//	node/check                     device -> gateway  {"id":"<device>"} liveness
//	node/{id}/check                device -> gateway  liveness, id taken from the topic
//	gateway/{id}/discover          gateway -> device  "resources", later "values"
//	node/{id}/resources            device -> gateway  ["temperature","led"]
//	node/{id}/{resource}           device -> gateway  {"value":...}
//	gateway/{id}/{resource}/set    gateway -> device  new value
//	gateway/check                  gateway -> all     liveness request every AliveInterval
//
// Discovery is asynchronous: Discover only requests the resource list and
// values are reported through the gateway's Ingress as they arrive. When the
// reaper evicts a node, Detach unsubscribes from its topics.
package mqtt
