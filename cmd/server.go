// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/featurebasedb/qsession/ctl"
	"github.com/featurebasedb/qsession/server"
	"github.com/spf13/cobra"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run qsession.",
		Long: `qsession server runs the query session coordinator.

It opens the table catalog in the configured data directory and starts
listening for client connections on the configured address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Start & run the server.
			if err := Server.Run(); err != nil {
				return fmt.Errorf("running server: %v", err)
			}

			// First SIGINT or SIGTERM causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(c)
			for {
				select {
				case sig := <-c:
					if sig == syscall.SIGHUP {
						if err := Server.ReopenLogs(); err != nil {
							fmt.Fprintf(Server.Stderr, "reopening logs: %v\n", err)
						}
						continue
					}
					Server.Logger().Infof("received signal '%s', gracefully shutting down...", sig.String())

					// Second signal causes a hard shutdown.
					go func() { <-c; os.Exit(1) }()
					return Server.Close()
				case <-Server.Done:
					Server.Logger().Infof("server closed externally")
					return nil
				}
			}
		},
	}

	// Attach flags to the command.
	ctl.BuildServerFlags(serveCmd, Server)
	return serveCmd
}
