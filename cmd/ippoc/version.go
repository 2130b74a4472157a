package main

import (
	"fmt"
	"io"
)

// Version and Commit are stamped at build time:
//
//	go build -ldflags "-X main.Version=v0.2.0 -X main.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "0.1.0-dev"
	Commit  = ""
)

func printVersion(w io.Writer) {
	if Commit != "" {
		fmt.Fprintf(w, "ippoc %s (%s)\n", Version, Commit)
		return
	}
	fmt.Fprintf(w, "ippoc %s\n", Version)
}
