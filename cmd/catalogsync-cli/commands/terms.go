package commands

import (
	"os"

	"catalogsync/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(termsCmd)
}

var termsCmd = &cobra.Command{
	Use:   "terms",
	Short: "Lists the terms the portal currently offers.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		c := setup()

		err := ensureSession(ctx, c)
		if err != nil {
			serviceutil.Fatal("failed to establish a session", err)
		}

		options, err := c.manager.DiscoverSelect(ctx, c.cfg.Login.ProbePath, c.cfg.Crawl.EpochSelect)
		if err != nil {
			serviceutil.Fatal("failed to discover terms", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"code", "label"})
		for _, option := range options {
			t.AppendRow(table.Row{option.Value, option.Label})
		}
		t.Render()
	},
}
