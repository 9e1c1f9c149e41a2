// Command layerstack assembles a layer stack and serves its manifest over
// gRPC and HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/layerstack/internal/cmdutil"
	"github.com/rfratto/layerstack/internal/config"
	"github.com/rfratto/layerstack/internal/mounterr"
	"github.com/rfratto/layerstack/internal/overlay"
	"github.com/rfratto/layerstack/internal/workdir"
	"github.com/rfratto/layerstack/layerstackd"
)

func main() {
	var (
		o  = layerstackd.DefaultOptions
		ll cmdutil.LogLevel

		mountOpts  string
		configFile string
		lockDir    string
		httpAddr   string
		check      bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")

	fs.StringVar(&mountOpts, "o", "", "comma-separated mount options (lowerdir=,upperdir=,workdir=,...)")
	fs.StringVar(&configFile, "config", "", "YAML file describing the layer stack. Overrides -o")
	fs.StringVar(&lockDir, "lock.dir", "", "directory for work directory lock files shared with other processes")
	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "listen address for the layerstackd gRPC server")
	fs.StringVar(&httpAddr, "http.listen-addr", "127.0.0.1:8080", "listen address for the HTTP server")
	fs.BoolVar(&check, "check", false, "assemble the layer stack, print its manifest, and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, ll.FilterOption())
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)

	cfg, err := loadConfig(l, configFile, mountOpts)
	if err != nil {
		level.Error(l).Log("msg", "invalid layer stack configuration", "code", mounterr.CodeOf(err), "err", err)
		os.Exit(1)
	}
	o.Config = cfg

	if lockDir != "" {
		o.Assemble.Locker = workdir.ChainLockers(&workdir.KeyedMutex{}, workdir.FileLocker{Dir: lockDir})
	}

	if check {
		os.Exit(runCheck(l, o))
	}

	o.Assemble.Metrics = overlay.NewMetrics(prometheus.DefaultRegisterer)

	if err := runDaemon(l, o, httpAddr); err != nil {
		level.Error(l).Log("msg", "error running layerstackd", "err", err)
		os.Exit(1)
	}
}

func loadConfig(l log.Logger, configFile, mountOpts string) (config.Config, error) {
	if configFile != "" {
		return config.LoadFile(l, configFile)
	}
	cfg, err := config.ParseOptions(l, mountOpts)
	if err != nil {
		return cfg, err
	}
	return config.ExpandHome(cfg)
}

func runCheck(l log.Logger, o layerstackd.Options) int {
	fsys, err := overlay.Assemble(context.Background(), l, o.Config, o.Assemble)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", mounterr.CodeOf(err), err)
		return 1
	}
	defer fsys.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fsys.Manifest()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runDaemon(l log.Logger, o layerstackd.Options, httpAddr string) error {
	d, err := layerstackd.New(context.Background(), l, o)
	if err != nil {
		return fmt.Errorf("failed to create layerstackd: %w", err)
	}

	var group run.Group

	// Information server worker
	{
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.Handle("/stack", d).Methods(http.MethodGet)
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// layerstackd worker
	{
		group.Add(func() error {
			return d.Start()
		}, func(_ error) {
			if err := d.Stop(); err != nil {
				level.Warn(l).Log("msg", "error stopping layerstackd", "err", err)
			}
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}
