package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"unil2cpp/internal/image"
	"unil2cpp/internal/loader"
)

type scanInfo struct {
	Format    image.Format    `json:"format"`
	Arch      image.Arch      `json:"arch"`
	ImageBase uint64          `json:"image_base"`
	Dump      bool            `json:"looks_dumped"`
	Sections  []image.Section `json:"sections"`
	Symbols   int             `json:"symbols"`
}

func cmdScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	input := fs.String("i", "", "IL2CPP binary")
	jsonOut := fs.Bool("json", false, "output as JSON")
	verbose := fs.Bool("v", false, "debug logging")
	var rf resolverFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("-i is required")
	}
	setupLogging(*verbose)
	defer rf.Close()

	img, _, err := loader.OpenFile(*input, &rf)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	info := scanInfo{
		Format:    img.Format(),
		Arch:      img.Arch(),
		ImageBase: img.ImageBase(),
		Sections:  img.Sections(),
	}
	if dc, ok := img.(image.DumpChecker); ok {
		info.Dump = dc.CheckDump()
	}
	if st, ok := img.(image.SymbolTable); ok {
		syms, err := st.Symbols()
		if err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
		info.Symbols = len(syms)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("%s %s, %d-bit, %d bytes\n", info.Format, info.Arch.Machine, info.Arch.Bits, len(img.Raw()))
	if info.ImageBase != 0 {
		fmt.Printf("Image base: 0x%x\n", info.ImageBase)
	}
	if info.Dump {
		fmt.Println("Looks like a memory dump")
	}
	fmt.Printf("Sections: %d\n", len(info.Sections))
	for _, s := range info.Sections {
		fmt.Printf("  %s\n", s)
	}
	fmt.Printf("Symbols: %d\n", info.Symbols)
	return nil
}
