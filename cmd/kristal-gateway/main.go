package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/kristal-gateway/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	// Dev loop: re-exec when the binary is rebuilt.
	if os.Getenv("KRISTAL_AUTORESTART") == "1" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
