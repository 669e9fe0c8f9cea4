// cmd/client is rtpsctl, a Cobra CLI that drives this engine either
// against a running rtpsd's admin API or entirely locally (no server
// needed) for smoke-testing a writer/reader pair over the loopback
// transport.
//
// Usage:
//
//	rtpsctl stats                          --server http://localhost:8080
//	rtpsctl writers                        --server http://localhost:8080
//	rtpsctl readers                        --server http://localhost:8080
//	rtpsctl leases                         --server http://localhost:8080
//	rtpsctl healthz                        --server http://localhost:8080
//	rtpsctl smoke --count 10 --frag-size 256
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rtps-core/ddsi/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

// addClientFlags registers the flags every admin-API-backed subcommand
// shares.
func addClientFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "rtpsd admin API address")
	fs.DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")
}

func main() {
	root := &cobra.Command{
		Use:   "rtpsctl",
		Short: "Admin CLI and local smoke-test harness for the rtps reliability engine",
	}

	addClientFlags(root.PersistentFlags())

	root.AddCommand(statsCmd(), writersCmd(), readersCmd(), leasesCmd(), healthzCmd(), smokeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── stats ────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show domain-level summary (writer/reader/lease counts, GC backlog)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			info, err := c.DomainInfo(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(info)
			return nil
		},
	}
}

// ─── writers ──────────────────────────────────────────────────────────────

func writersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "writers [guid]",
		Short: "List writers, or show one writer's WHC/heartbeat state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ctx := context.Background()
			if len(args) == 1 {
				w, err := c.GetWriter(ctx, args[0])
				if err == client.ErrNotFound {
					fmt.Printf("writer %q not found\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				prettyPrint(w)
				return nil
			}
			ws, err := c.ListWriters(ctx)
			if err != nil {
				return err
			}
			prettyPrint(ws)
			return nil
		},
	}
	return cmd
}

// ─── readers ──────────────────────────────────────────────────────────────

func readersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readers [guid]",
		Short: "List readers, or show one reader's reorder/defrag state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ctx := context.Background()
			if len(args) == 1 {
				r, err := c.GetReader(ctx, args[0])
				if err == client.ErrNotFound {
					fmt.Printf("reader %q not found\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				prettyPrint(r)
				return nil
			}
			rs, err := c.ListReaders(ctx)
			if err != nil {
				return err
			}
			prettyPrint(rs)
			return nil
		},
	}
}

// ─── leases ───────────────────────────────────────────────────────────────

func leasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "Show the lease administration heap's size and nearest deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			l, err := c.Leases(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(l)
			return nil
		},
	}
}

// ─── healthz ──────────────────────────────────────────────────────────────

func healthzCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthz",
		Short: "Probe the node's liveness endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Healthz(context.Background()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
