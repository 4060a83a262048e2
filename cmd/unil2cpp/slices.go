package main

import (
	"flag"
	"fmt"
	"os"

	"unil2cpp/internal/loader"
)

func cmdSlices(args []string) error {
	fs := flag.NewFlagSet("slices", flag.ExitOnError)
	input := fs.String("i", "", "fat Mach-O")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("-i is required")
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fat, err := loader.NewFat(raw)
	if err != nil {
		return err
	}
	for i, s := range fat.Slices() {
		bits := 32
		if s.Is64() {
			bits = 64
		}
		fmt.Printf("%d  %-8s %dbit  offset=0x%x size=0x%x\n", i, loader.CPUName(s.CPU), bits, s.Offset, s.Size)
	}
	return nil
}
