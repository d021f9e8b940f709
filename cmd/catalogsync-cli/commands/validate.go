package commands

import (
	"fmt"

	"catalogsync/lib/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Checks whether the persisted session is still authenticated.",
	Run: func(cmd *cobra.Command, args []string) {
		c := setup()

		ok, err := c.manager.ValidateExisting(cmd.Context())
		if err != nil {
			serviceutil.Fatal("session validation failed", err)
		}
		if ok {
			fmt.Println("session is valid")
			return
		}
		fmt.Println("session is expired or missing, run a crawl to re-login")
	},
}
