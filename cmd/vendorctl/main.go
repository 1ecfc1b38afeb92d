// Command vendorctl manages a marketplace vendor session from the terminal
// and streams the vendor's live order and notification events.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
