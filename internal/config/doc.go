// Package config provides configuration parsing for approuter.
//
// The configuration is stored in approuter.toml or approuter.json. This
// package handles loading, saving and validating it, and converts it into the
// runtime configs of the router, prefetch and fetch packages. Durations are
// strings in Go syntax.
//
// # Configuration File Structure
//
//	{
//	  "origin": "http://localhost:3000",
//	  "router": {
//	    "queueSize": 256,
//	    "fetchTimeout": "10s"
//	  },
//	  "prefetch": {
//	    "autoTTL": "30s",
//	    "fullTTL": "5m",
//	    "maxEntries": 64,
//	    "rateLimit": 5
//	  },
//	  "fetch": {
//	    "attemptTimeout": "5s",
//	    "maxRetries": 2,
//	    "breakerFailures": 5
//	  },
//	  "server": {
//	    "address": "localhost:3000",
//	    "pages": ["/", "/blog/:slug"],
//	    "redirects": {"/old": "/blog/new"},
//	    "metrics": true
//	  },
//	  "s3": {
//	    "bucket": "site-export",
//	    "prefix": "patches"
//	  }
//	}
//
// The TOML form uses snake_case keys:
//
//	origin = "http://localhost:3000"
//
//	[prefetch]
//	auto_ttl = "30s"
//	full_ttl = "5m"
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	warnings, err := cfg.Validate()
package config
