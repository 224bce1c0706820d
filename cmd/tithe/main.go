package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "tithe",
		Short:        "Tithe: spending limits and payment confirmation for paid agent tools",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newBudgetCmd(),
		newAuditCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
