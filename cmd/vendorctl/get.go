package main

import (
	"encoding/json"
	"strings"

	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Send an authenticated GET to the marketplace API and print the JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		manager, err := resumeManager(ctx)
		if err != nil {
			return err
		}

		path := args[0]
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}

		client := marketplace.NewAPIClient(manager, strings.TrimRight(cfg.Auth.BaseURL, "/"), logger)
		var body json.RawMessage
		if err := client.Get(ctx, path, &body); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
