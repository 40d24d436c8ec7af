package main

import (
	"context"
	"log/slog"

	"github.com/splax/localship/internal/mdns"
	"github.com/splax/localship/internal/service/deploy"
)

// startDiscovery brings up the mDNS responder. Failures are logged and the
// server runs without .local announcements; stop is always safe to call.
func startDiscovery(ctx context.Context, opts mdns.Options, log *slog.Logger) (discovery deploy.Discovery, stop func()) {
	stop = func() {}
	responder, err := mdns.New(opts, log)
	if err != nil {
		log.Error("mdns responder disabled", "error", err)
		return nil, stop
	}
	if err := responder.Listen(ctx); err != nil {
		log.Error("mdns responder disabled", "error", err, "addr", opts.Addr)
		return nil, stop
	}
	go func() {
		if err := responder.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error("mdns responder stopped", "error", err)
		}
	}()
	log.Info("mdns responder listening", "addr", opts.Addr, "ip", responder.IP().String())
	return responder, func() { _ = responder.Close() }
}
