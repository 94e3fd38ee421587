// Package config loads the YAML configuration shared by the epicsdev
// commands and by applications embedding the library.
//
// Values are resolved in three layers: built-in defaults, the YAML file,
// then EPICSDEV_* environment variables. The result is validated before it
// is returned. Accessor methods turn the sections into the option structs
// of the supervisor, bindings, signals, gateway client and server,
// discovery and export packages.
//
// Example file:
//
//	default_scheme: pvgw
//	timeouts:
//	  connect: 5s
//	  readback: 10s
//	backoff:
//	  initial: 100ms
//	  max: 30s
//	gateway:
//	  address: gw.beamline.local:5080
//	  discovery:
//	    enabled: true
//	    name: bl-gateway
//	logging:
//	  level: debug
//	export:
//	  mqtt:
//	    enabled: true
//	    broker: tcp://broker:1883
package config
