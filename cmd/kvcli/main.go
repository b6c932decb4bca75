// cmd/kvcli is the CLI entry-point built with Cobra.
//
// Usage:
//
//	kvcli nodes                              --hosts host1:3000,host2:3000
//	kvcli route mynamespace deadbeef...       --hosts host1:3000
//	kvcli scan mynamespace                    --hosts host1:3000 --set myset
//	kvcli stats                              --hosts host1:3000
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nodekv"
	"nodekv/internal/scan"
)

var (
	hostsFlag string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI for nodekv's cluster membership and routing subsystem",
	}

	root.PersistentFlags().StringVarP(&hostsFlag, "hosts", "H",
		"127.0.0.1:3000", "comma-separated host:port seed list")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second,
		"per-command timeout")

	root.AddCommand(nodesCmd(), routeCmd(), scanCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*nodekv.Client, error) {
	hosts, err := parseHosts(hostsFlag)
	if err != nil {
		return nil, err
	}
	return nodekv.New(hosts, nodekv.DefaultClientPolicy())
}

func parseHosts(s string) ([]nodekv.Host, error) {
	var out []nodekv.Host
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.LastIndex(entry, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid host %q: expected host:port", entry)
		}
		port, err := strconv.Atoi(entry[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", entry, err)
		}
		out = append(out, nodekv.Host{Name: entry[:idx], Port: port})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no hosts given")
	}
	return out, nil
}

// ─── nodes ────────────────────────────────────────────────────────────────────

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Show cluster health counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			prettyPrint(c.Stats())
			return nil
		},
	}
}

// ─── route ────────────────────────────────────────────────────────────────────

func routeCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "route <namespace> <digest-hex>",
		Short: "Show which node currently owns a key's partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			digestBytes, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("invalid digest: %w", err)
			}
			var digest [20]byte
			copy(digest[:], digestBytes)

			node, err := c.Route(nodekv.Command{Namespace: args[0], Digest: digest, Write: write})
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", args[0], node.Name())
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "route for the write direction instead of read")
	return cmd
}

// ─── scan ─────────────────────────────────────────────────────────────────────

func scanCmd() *cobra.Command {
	var set string
	var concurrent bool
	cmd := &cobra.Command{
		Use:   "scan <namespace>",
		Short: "Run a cluster-wide scan and print each record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			desc := scan.Descriptor{Namespace: args[0], Set: set, Concurrent: concurrent}
			count := 0
			_, err = c.Scan(ctx, desc, scan.DefaultPolicy(), false, func(rec scan.Record) bool {
				if rec.Done {
					return true
				}
				count++
				prettyPrint(rec)
				return true
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "scanned %d records\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "restrict the scan to one set")
	cmd.Flags().BoolVar(&concurrent, "concurrent", true, "scan all nodes concurrently")
	return cmd
}

// ─── stats ────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Alias for nodes",
		RunE:  nodesCmd().RunE,
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
