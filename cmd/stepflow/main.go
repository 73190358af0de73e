package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "install":
		runInstall(args)
	case "update":
		runUpdate(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`stepflow — durable workflow execution engine

Usage:
  stepflow [serve]     start the engine (MCP on stdio, panel on listen_addr)
  stepflow install     write settings and reload or start a server
  stepflow update      self-update from GitHub releases
  stepflow version     print the version

Configuration: ~/.stepflow/settings.json, overridden by STEPFLOW_* env vars.
`)
}
