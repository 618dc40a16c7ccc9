// Command swapfc grows and shrinks swap capacity to follow memory pressure.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
