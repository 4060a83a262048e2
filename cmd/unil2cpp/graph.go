package main

import (
	"flag"
	"fmt"
	"os"

	"unil2cpp/internal/output"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	rf := newRecoverFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, m, err := rf.recoverModel()
	if err != nil {
		return err
	}
	g, err := output.WriteGraphDOT(*rf.outDir, m)
	if err != nil {
		return fmt.Errorf("write registration.dot: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote registration.dot: %d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
	return nil
}
