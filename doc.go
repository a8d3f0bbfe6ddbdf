/*
Package miniserver is a minimal HTTP/1.1 server engine.

The engine accepts TCP connections and hands each one to a fixed pool of
workers through a bounded FIFO queue. A worker parses exactly one request,
matches it against the route table or, for GET and HEAD, a sandboxed static
file root, writes the response with Connection: close and closes the socket.

Features

  - Routes with exact segments, :name parameters and a trailing *name catch-all;
    the first registered match wins
  - Query and url-encoded form parameters, JSON and protobuf bodies
  - Static files with ordered index files, optional directory listings and gzip
  - Bounded queue with backpressure on the accept loop
  - Graceful shutdown with a grace period, then forced close
  - Structured access log and per-route metrics with bottleneck detection
  - Configuration from file, MINISERVER_* environment variables and flags

Quick Start

	package main

	import (
		"context"
		"log"

		"github.com/searchktools/mini-server/app"
		"github.com/searchktools/mini-server/config"
		"github.com/searchktools/mini-server/core/http"
	)

	func main() {
		cfg, err := config.Load("", nil)
		if err != nil {
			log.Fatal(err)
		}
		a, err := app.New(cfg, nil)
		if err != nil {
			log.Fatal(err)
		}

		a.Engine().GET("/home", func(*http.Request) (*http.Response, error) {
			return http.Text(http.StatusOK, "Homepage"), nil
		})

		if err := a.Run(context.Background()); err != nil {
			log.Fatal(err)
		}
	}

Modules

  - app: configuration to engine wiring and process lifecycle
  - config: viper-backed configuration
  - logging: slog handlers and file loggers
  - core: engine, connections, listener, access events
  - core/http: request parser, response builder, headers
  - core/router: route table
  - core/static: static file resolver
  - core/pools: worker pool and copy buffer pool
  - core/observability: per-route metrics
  - cmd/miniserver: command line server with demo routes
*/
package miniserver
