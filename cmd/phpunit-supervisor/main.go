// Package main provides the phpunit-supervisor CLI entry point.
//
// phpunit-supervisor runs a PHPUnit, Pest or Paratest command (locally or
// through docker / docker compose), streams its output line by line, and
// aborts it cleanly on Ctrl+C, timeout or request, killing the in-container
// test process as well when the runner lives in a container.
package main

import (
	"os"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/phpunit-supervisor
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
