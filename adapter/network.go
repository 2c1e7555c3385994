package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/pkg/rtapi"
)

// AdminServer serves /metrics, /live and /ready for one context. It runs
// entirely outside the realtime path.
type AdminServer struct {
	srv  *http.Server
	ln   net.Listener
	log  *zap.Logger
	done chan error
}

// NewAdminServer builds an admin server for c listening on addr.
func NewAdminServer(addr string, c *rtapi.Context, log *zap.Logger) *AdminServer {
	hc := NewHealthHandler(c)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	return &AdminServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logging.OrNop(log).Named("admin"),
	}
}

// Start listens and serves in the background. It returns once the listener
// is bound.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.done = make(chan error, 1)
	go func() {
		err := a.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.done <- err
	}()
	a.log.Info("admin listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (a *AdminServer) Addr() string {
	if a.ln == nil {
		return a.srv.Addr
	}
	return a.ln.Addr().String()
}

// Shutdown stops the server and waits for the serve loop to exit.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.done == nil {
		return nil
	}
	err := a.srv.Shutdown(ctx)
	if serr := <-a.done; err == nil {
		err = serr
	}
	return err
}
