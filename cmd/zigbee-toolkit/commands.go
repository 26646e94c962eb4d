package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"zigbee-toolkit/internal/commands"
	"zigbee-toolkit/internal/toolkit"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands the service accepts",
	Run: func(cmd *cobra.Command, args []string) {
		r := toolkit.NewRouter(toolkit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		commands.RegisterAll(r, commands.DefaultOptions())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMMAND\tDEVICE\tDESCRIPTION")
		for _, c := range r.Commands() {
			dev := ""
			if c.RequiresIEEE {
				dev = "required"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, dev, c.Description)
		}
		w.Flush()
	},
}
