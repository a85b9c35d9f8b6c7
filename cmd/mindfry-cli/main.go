// Command mindfry-cli is an interactive client for mindfryd, dialing the
// MFBP protocol over TCP and issuing opcode commands from a line-oriented
// shell.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cli holds the shared connection state for all subcommands.
type cli struct {
	addr string
	conn net.Conn
}

func main() {
	var addr string
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "mindfry-cli",
		Short: "mindfry-cli — interactive client for mindfryd",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("MINDFRY_ADDR")
			}
			if addr == "" {
				addr = "localhost:7070"
			}
			c.addr = addr
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				return fmt.Errorf("cannot reach %s: %w", addr, err)
			}
			c.conn = conn
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			runREPL(c)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "mindfryd TCP address (default MINDFRY_ADDR or localhost:7070)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ping()
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show substrate statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.stats()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
