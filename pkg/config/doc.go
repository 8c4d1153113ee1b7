// Package config loads the engine configuration and plan files.
//
// Configuration files are CUE (.cue), JSON (.json) or YAML (.yaml, .yml).
// Every source is unified with the built-in #Config schema, so unknown keys
// and out-of-range values are reported with their file position, and then
// decoded on top of Default and checked with validator struct tags.
//
//	store: {
//	    driver: "postgres"
//	    url:    "postgres://orchestra@localhost/orchestra"
//	}
//	engine: {
//	    max_parallel:       64
//	    reconcile_interval: "1m"
//	    selection_policy:   "strict"
//	}
//	outcomes: {
//	    codec:          "msgpack"
//	    blob_threshold: 65536
//	    object_store: {
//	        endpoint: "localhost:9000"
//	        bucket:   "outcomes"
//	    }
//	}
//	policies: paths: ["./policies"]
//
// The sections convert to the settings of the packages they configure:
// StoreConfig for stores.Open, DriverConfig for driver.WithConfig and
// TelemetryConfig for telemetry.NewTelemetry.
//
// Plans are read in the engine's serialized form (engine.Plan as JSON, or the
// same structure written in CUE or YAML) and checked against the #Plan schema.
// Checks that need the registered steps, such as known state types and
// reachable nodes, are done by the driver.
package config
