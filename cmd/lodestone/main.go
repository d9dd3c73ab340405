// Command lodestone is the document lifecycle and hybrid search CLI.
package main

import (
	"os"

	"github.com/lodestone-search/lodestone/cmd/lodestone/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
