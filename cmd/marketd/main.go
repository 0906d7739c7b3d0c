package main

import (
	"fmt"
	"os"

	"bazaar/services/marketd"
)

func main() {
	if err := marketd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}
