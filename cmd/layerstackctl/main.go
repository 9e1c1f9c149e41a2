// Command layerstackctl queries a running layerstackd.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rfratto/layerstack/internal/stackrpc"
	"google.golang.org/grpc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	serverAddr := "127.0.0.1:12195"
	if envAddr := os.Getenv("LAYERSTACKD_ADDR"); envAddr != "" {
		serverAddr = envAddr
	}

	fs := flag.NewFlagSet("layerstackctl", flag.ExitOnError)
	fs.StringVar(&serverAddr, "addr", serverAddr, "address of layerstackd")
	timeout := fs.Duration("timeout", 10*time.Second, "timeout for requests")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd := fs.Arg(0); cmd {
	case "describe":
		return describe(serverAddr, *timeout)
	case "":
		return fmt.Errorf("usage: layerstackctl [flags] describe")
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func describe(serverAddr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, serverAddr, grpc.WithInsecure())
	if err != nil {
		return fmt.Errorf("failed to connect to layerstackd: %w", err)
	}
	defer conn.Close()

	m, err := stackrpc.NewClient(conn).Describe(ctx)
	if err != nil {
		return fmt.Errorf("failed to describe layer stack: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
