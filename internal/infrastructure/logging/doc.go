// Package logging provides structured logging for hivehub.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the hub server, the binary
// gateway and device hosts.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/hivehub.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting service", "port", 8080)
//
// Never log passwords, access keys or device keys.
package logging
