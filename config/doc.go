// Package config loads and validates gateway configuration.
//
// Configuration comes from three layers, later ones winning:
//
//  1. Built-in defaults (Default)
//  2. JSON files added with Loader.AddLayer, deep-merged key by key
//  3. COTGATE_* environment variables
//
// Durations are written as strings in JSON ("3s", "2m", "1d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/cotgate/gateway.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// A minimal file selecting the MQTT adapter:
//
//	{
//	  "gateway": {"protocol": "mqtt", "max_time": "2m"},
//	  "broker":  {"url": "wss://broker.example/gw"},
//	  "mqtt":    {"broker_url": "tcp://mosquitto:1883"}
//	}
//
// Supported environment overrides: COTGATE_PROTOCOL, COTGATE_BROKER_URL,
// COTGATE_KEY_FILE, COTGATE_MQTT_BROKER, COTGATE_MQTT_USERNAME,
// COTGATE_MQTT_PASSWORD, COTGATE_METRICS_ADDR, COTGATE_MAX_TIME,
// COTGATE_RETRY_INTERVAL.
//
// Files are read with size, depth and path checks; only .json files load.
// Config.SaveToFile writes the effective configuration back as a layer file
// (owner-only permissions); Config.String masks the MQTT password.
package config
