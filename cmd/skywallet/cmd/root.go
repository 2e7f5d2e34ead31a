package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skywallet",
	Short: "Skywallet is an AT Protocol wallet gateway",
	Long: `A wallet gateway that signs users in with their AT Protocol account
(OAuth + DPoP), guards the session behind multi-method two-factor
authentication and proxies wallet operations to the wallet service.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
