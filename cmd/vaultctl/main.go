package main

import (
	"fmt"
	"os"

	"identity-vault/internal/vaultctl"
)

func main() {
	if err := vaultctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(vaultctl.GetExitCode(err))
	}
}
