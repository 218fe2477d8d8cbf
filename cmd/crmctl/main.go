// Package main provides crmctl, the admin CLI for the dealer CRM core.
// It wires the same services as the HTTP server and prints JSON.
package main

import (
	"fmt"
	"os"
)

const (
	Version = "0.1.0"
	appName = "crmctl"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
