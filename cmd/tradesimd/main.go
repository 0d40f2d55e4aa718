package main

import (
	"os"

	"cosmossdk.io/log"
)

func main() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.NewLogger(os.Stderr).Error("failure when running server", "err", err)
		os.Exit(1)
	}
}
