// Package pprofutil serves net/http/pprof so a node in the field can be
// profiled over its maintenance port.
package pprofutil

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrPublicBind = errors.New("pprof address must be loopback unless public binding is allowed")

// Start listens on addr and serves the default mux until ctx ends. It
// returns the bound address, which differs from addr when the port is 0.
func Start(ctx context.Context, addr string, allowPublic bool, log *zap.Logger) (net.Addr, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, errors.Wrap(ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "pprof listen")
	}
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	log.Info("pprof enabled", zap.String("url", "http://"+ln.Addr().String()+"/debug/pprof/"))
	return ln.Addr(), nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
