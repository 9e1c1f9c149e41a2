// Package layerstackd implements the layerstack daemon. layerstackd assembles
// a single layer stack and serves its manifest over gRPC until stopped.
package layerstackd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/layerstack/internal/config"
	"github.com/rfratto/layerstack/internal/overlay"
	"github.com/rfratto/layerstack/internal/stackrpc"
	"google.golang.org/grpc"
)

// DefaultOptions is the set of defaults for layerstackd.
var DefaultOptions = Options{
	ListenAddr: "tcp://127.0.0.1:12195",
}

type Options struct {
	ListenAddr string          // Address to listen for client connections.
	Config     config.Config   // Layer stack to assemble.
	Assemble   overlay.Options // Options passed through to overlay.Assemble.
}

// Daemon is the layerstack daemon. Daemon exposes a gRPC API.
type Daemon struct {
	log  log.Logger
	lis  net.Listener
	srv  *grpc.Server
	opts Options
	fs   *overlay.Filesystem
}

// New assembles the layer stack described by o and creates a new Daemon to
// serve it.
func New(ctx context.Context, l log.Logger, o Options) (d *Daemon, err error) {
	lis, err := Listen(o.ListenAddr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = lis.Close()
		}
	}()

	fs, err := overlay.Assemble(ctx, l, o.Config, o.Assemble)
	if err != nil {
		return nil, fmt.Errorf("assembling layer stack: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(l)),
	)
	stackrpc.RegisterStackServer(srv, stackrpc.NewServer(l, fs))

	return &Daemon{
		log:  l,
		lis:  lis,
		srv:  srv,
		opts: o,
		fs:   fs,
	}, nil
}

// Listen opens a listener for a URL-style address like tcp://host:port or
// unix://~/layerstack.sock. A leading ~ in the address is expanded.
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse listen addr %q as url: %w", addr, err)
	}

	address, err := homedir.Expand(u.Host + u.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr: %w", err)
	}

	lis, err := net.Listen(u.Scheme, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", u.Scheme, address, err)
	}
	return lis, nil
}

// Filesystem returns the assembled layer stack.
func (d *Daemon) Filesystem() *overlay.Filesystem { return d.fs }

// Addr returns the address d listens on.
func (d *Daemon) Addr() net.Addr { return d.lis.Addr() }

// ServeHTTP writes the manifest of the layer stack as JSON.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.fs.Manifest()); err != nil {
		level.Warn(d.log).Log("msg", "failed to write manifest", "err", err)
	}
}

// Start starts d and doesn't return until it stops or there's an error.
func (d *Daemon) Start() error {
	level.Info(d.log).Log("msg", "starting layerstackd", "listen_addr", d.lis.Addr().String(), "stack", d.fs.ID)
	return d.srv.Serve(d.lis)
}

// Stop stops serving and releases the layer stack.
func (d *Daemon) Stop() error {
	d.srv.GracefulStop()
	_ = d.lis.Close()
	return d.fs.Close()
}

func loggingUnaryInterceptor(l log.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		level.Debug(l).Log("msg", "received gRPC request", "method", info.FullMethod)
		resp, err = handler(ctx, req)
		if err != nil {
			level.Warn(l).Log("msg", "gRPC request failed", "method", info.FullMethod, "err", err)
		}
		return resp, err
	}
}
