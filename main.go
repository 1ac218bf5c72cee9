package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/apergos/mw-media-sync/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}

		os.Exit(1)
	}
}
