// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains the optional metrics endpoint.  The daemon itself
// is reached over the unix socket only, the http server here exists so
// monitoring tools can scrape queue and job gauges.

import (
	"context"
	"flag"
	"net/http"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promAddrOpt = flag.String("prom-address", "", "the address for the prometheus http server, empty disables metrics (e.g. localhost:9090)")
)

func runPrometheus(ctx context.Context) (err kv.Error) {
	if len(*promAddrOpt) == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	h := http.Server{
		Addr:    *promAddrOpt,
		Handler: mux,
	}

	go func() {
		logger.Info("prometheus listening", "address", h.Addr)

		if errGo := h.ListenAndServe(); errGo != nil && errGo != http.ErrServerClosed {
			logger.Warn("prometheus server stopped", "error", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).Error())
		}
	}()

	go func() {
		<-ctx.Done()
		if errGo := h.Shutdown(context.Background()); errGo != nil {
			logger.Warn("prometheus shutdown failed", "error", errGo.Error())
		}
	}()

	return nil
}
