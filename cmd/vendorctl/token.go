package main

import (
	"fmt"
	"time"

	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/spf13/cobra"
)

var tokenVerbose bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid access token, refreshing it if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := resumeManager(cmd.Context())
		if err != nil {
			return err
		}

		token := manager.AccessToken()
		out := cmd.OutOrStdout()
		if !tokenVerbose {
			fmt.Fprintln(out, token)
			return nil
		}

		exp := marketplace.DecodeExpiry(token, time.Now(), cfg.Auth.RefreshThreshold)
		fmt.Fprintf(out, "access_token: %s\n", token)
		fmt.Fprintf(out, "tenant:       %s\n", manager.User().TenantID())
		if exp.ExpiresAt.IsZero() {
			fmt.Fprintln(out, "expires:      never")
		} else {
			fmt.Fprintf(out, "expires:      %s (in %s)\n", exp.ExpiresAt.Format(time.RFC3339), exp.TimeToExpiry.Round(time.Second))
		}
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVarP(&tokenVerbose, "verbose", "v", false, "also print tenant and expiry")
	rootCmd.AddCommand(tokenCmd)
}
