// Package coap connects CoAP devices to the gateway.
//
// The gateway runs a CoAP server with two resources:
//
//	POST /alive   payload "reset" signals a reboot, anything else is a liveness check
//	POST /server  payload "<path>:<value>" reports a resource value
//
// Both answer 2.04 Changed with "Received '<payload>'". A node is addressed by
// its source IP.
//
// As a client, the gateway discovers a node by reading
// coap://[ip]:port/.well-known/core, parsing the CoRE link format and GETting
// every listed path; the resource name is the path without its leading "/".
// Updates are a PUT to /<endpoint> and only succeed on 2.04 Changed.
package coap
