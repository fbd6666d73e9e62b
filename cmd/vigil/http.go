package main

import (
	"context"
	"net"
	"sync"

	"vigil/internal/server"
	"vigil/internal/supervisor"
)

// handleHTTPServer binds addr, retrying per policy, and serves srv until ctx
// is done. Serving errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, srv *server.Server, policy supervisor.RetryPolicy, wg *sync.WaitGroup, errc chan error) error {
	var ln net.Listener
	err := supervisor.Retry(ctx, policy, "bind http server", func(context.Context) error {
		l, err := srv.Listen(addr)
		if err != nil {
			return supervisor.Resource("bind http server", err)
		}
		ln = l
		return nil
	})
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			errc <- err
		}
	}()
	return nil
}
