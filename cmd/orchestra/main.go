// Command orchestra runs the workflow execution service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestra: %v\n", err)
		os.Exit(1)
	}
}
