// Command paxosc is a demo client that submits a single request to a
// paxosd cluster and prints the echoed result, grounded on the teacher's
// clusterctl CLI wiring pattern.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/paxosrun/paxosd/pkg/client"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "paxosc",
		Short:         "paxosd demo client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSendCmd())
	return root
}

func newSendCmd() *cobra.Command {
	var (
		serversCSV string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <payload>",
		Short: "Submit a request to the cluster and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout+2*time.Second)
			defer cancel()

			c := client.New(log.Default())
			for _, ep := range splitCSV(serversCSV) {
				host, port, err := splitHostPort(ep)
				if err != nil {
					return fmt.Errorf("paxosc: bad --servers entry %q: %w", ep, err)
				}
				if err := c.Add(host, port); err != nil {
					return err
				}
			}
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("paxosc: %w", err)
			}

			resp, err := c.Send(ctx, []byte(args[0]), timeout)
			if err != nil {
				return fmt.Errorf("paxosc: request failed: %w", err)
			}
			fmt.Println(string(resp))
			return nil
		},
	}

	cmd.Flags().StringVar(&serversCSV, "servers", "127.0.0.1:1337", "comma-separated host:port list of cluster servers")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func splitCSV(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitHostPort(ep string) (string, int, error) {
	for i := len(ep) - 1; i >= 0; i-- {
		if ep[i] == ':' {
			port := 0
			for _, r := range ep[i+1:] {
				if r < '0' || r > '9' {
					return "", 0, fmt.Errorf("non-numeric port in %q", ep)
				}
				port = port*10 + int(r-'0')
			}
			return ep[:i], port, nil
		}
	}
	return "", 0, fmt.Errorf("no colon in %q", ep)
}
