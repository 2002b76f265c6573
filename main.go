package main

import (
	"os"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
