package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sectfetch/fetchserver"
	"github.com/mjl-/sectfetch/mlog"
)

func cmdServe(c *cmd) {
	c.help = `Serve body section fetches for stored messages.

Listens on the configured address for requests like:

	a1 FETCH 1 (BODY[1.HEADER.FIELDS (TO)]<0.100> BODY[TEXT])

If a metrics address is configured, Prometheus metrics are served on it at
/metrics. The server stops on SIGINT or SIGTERM, after open connections are
closed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	if conf.Listen.MetricsAddress != "" {
		srv := metricsServer(conf.Listen.MetricsAddress)
		go func() {
			err := srv.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				c.log.Fatalx("metrics listener", err, slog.String("addr", conf.Listen.MetricsAddress))
			}
		}()
		defer shutdownHTTP(c.log, srv)
	}

	ln, err := net.Listen("tcp", conf.Listen.Address)
	xcheckf(err, "listen")
	fs := &fetchserver.Server{Store: s, MaxLineSize: conf.Listen.MaxLineSize}
	err = fs.Serve(ctx, ln)
	xcheckf(err, "serve")
	c.log.Print("shut down")
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

func shutdownHTTP(log mlog.Log, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	log.Check(err, "shutting down metrics http server")
}
