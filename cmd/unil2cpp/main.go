package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "dump":
		err = cmdDump(os.Args[2:])
	case "scan":
		err = cmdScan(os.Args[2:])
	case "slices":
		err = cmdSlices(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	log.SetHandler(cli.New(os.Stderr))
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `unil2cpp: IL2CPP registration recovery

Usage:
  unil2cpp dump   -i <binary> -m <metadata> -o <dir>   Recover registrations, write model.json and registration.dot
  unil2cpp scan   -i <binary> [--json]                 Print container format, sections and symbols
  unil2cpp slices -i <binary>                          List the slices of a fat Mach-O
  unil2cpp graph  -i <binary> -m <metadata> -o <dir>   Recover registrations, write registration.dot only

Flags (dump, graph):
  --config <file>       config.json to use instead of the default lookup
  --force-version <n>   Treat the binary as IL2CPP version n
  --force-dump          Treat the binary as a memory dump
  --no-redirect         Do not rebuild the segment table of an ELF dump
  --slice <n>           Fat slice index (0-based), skips the prompt
  --dump-base <hex>     Runtime base of a dump, skips the prompt
  --code-reg <hex>      CodeRegistration address for manual mode
  --meta-reg <hex>      MetadataRegistration address for manual mode
  --batch               Never prompt; unanswered questions fail
  -v                    Debug logging
`)
}
