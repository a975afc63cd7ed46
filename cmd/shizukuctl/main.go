// shizukuctl is the management CLI for shizukud. It drives the broker's
// privileged socket: list and inspect grants, revoke them, and read the
// audit log. It is the same surface the system Settings UI consumes.
package main

import (
	"flag"
	"fmt"
	"os"

	"shizukud/internal/config"
	"shizukud/internal/ipc"
)

var (
	socketPath = flag.String("socket", "", "management socket path")
	jsonOut    = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	client, err := dial()
	if err != nil {
		fmt.Fprintln(os.Stderr, "shizukuctl:", err)
		os.Exit(1)
	}
	defer client.Close()

	var cmdErr error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		cmdErr = cmdStatus(client)
	case "list":
		cmdErr = cmdList(client, flag.Args()[1:])
	case "get":
		cmdErr = cmdGet(client, flag.Args()[1:])
	case "revoke":
		cmdErr = cmdRevoke(client, flag.Args()[1:])
	case "revoke-all":
		cmdErr = cmdRevokeAll(client, flag.Args()[1:])
	case "audit":
		cmdErr = cmdAudit(client, flag.Args()[1:])
	case "watch":
		cmdErr = cmdWatch(client)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "shizukuctl:", cmdErr)
		os.Exit(1)
	}
}

func dial() (*ipc.Client, error) {
	path := *socketPath
	if path == "" {
		path = config.Default().IPC.ManagementSocket
	}
	return ipc.Dial(path)
}

func usage() {
	fmt.Fprint(os.Stderr, `shizukuctl - control the shizukud permission broker

Usage:
  shizukuctl [flags] <command> [args]

Commands:
  status                         Show daemon status
  list -user <id>                List grant records for a user
  get -user <id> <package>       Show one grant record
  revoke -user <id> <package>    Revoke one grant
  revoke-all -user <id>          Revoke every grant for a user
  audit -user <id> [-package p]  Show the audit log, newest first
  watch                          Stream permission-change events
  help                           Show this help

Flags:
  -socket <path>   management socket (default: platform location)
  -json            print raw JSON responses
`)
}
