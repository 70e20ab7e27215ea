package main

import (
	"fmt"
	"os"

	"github.com/rhelmot/candyfs/internal/candycmd"
)

func main() {
	if err := candycmd.NewMkfsCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
