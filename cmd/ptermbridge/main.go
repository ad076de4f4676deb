package main

import (
	"errors"
	"os"

	"github.com/ankouros/ptermbridge/cmd/ptermbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
