// The main package for the pangolin executable.
package main

import (
	"fmt"
	"os"

	"github.com/oreusol/pangolin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
