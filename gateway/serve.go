package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
)

// Handler builds the full inspector handler: a fresh muxer with every route
// mounted, wrapped with request logging and, in debug mode, body logging and
// the pprof and log-level endpoints.
func (s *Service) Handler(ctx context.Context, dbg bool) http.Handler {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	s.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// Serve runs the standalone server on addr until ctx is cancelled, then
// shuts down gracefully. It returns an error only when the port cannot be
// bound; serving errors after a successful bind are logged.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "inspector listening on http://%s%s", ln.Addr(), BasePath)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down inspector at %s", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "inspector shutdown")
	}
	return nil
}
