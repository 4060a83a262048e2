package main

import (
	"flag"
	"fmt"
	"os"

	"unil2cpp/internal/output"
)

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	rf := newRecoverFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, m, err := rf.recoverModel()
	if err != nil {
		return err
	}

	s := output.Summarize(eng.Image(), m)
	if err := output.WriteModelJSON(*rf.outDir, s); err != nil {
		return fmt.Errorf("write model.json: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote model.json: %d types, %d method pointers, %d modules\n",
		s.Types, s.MethodPointers, len(s.Modules))

	g, err := output.WriteGraphDOT(*rf.outDir, m)
	if err != nil {
		return fmt.Errorf("write registration.dot: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote registration.dot: %d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
	return nil
}
