// Command bpmnflow derives task orders, material requirements and material
// flow datasets from annotated BPMN process documents.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = `Usage: bpmnflow <command> [flags] <process-key|file>

Commands:
  order       task IDs in execution order
  materials   material requirements per task
  sankey      flow dataset (nodes and links)
  derive      full derivation including diagnostics
  diagram     render the flow (mermaid, sankey, ascii, png)
  history     stored snapshots of a process key
  refresh     derive and store a snapshot if the flow changed
  serve       run the HTTP API, refresh scheduler and optional MCP server
  install     write settings and install mermaid-ascii
  version     print the version

Run 'bpmnflow <command> -h' for command flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	name, rest := args[0], args[1:]
	switch name {
	case "serve":
		return runServe(rest)
	case "install":
		return runInstall(rest)
	case "version", "-v", "--version":
		printVersion()
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	}

	cmd, ok := commands()[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return exitUsage
	}
	return runCommand(cmd, rest, stdout, stderr)
}
