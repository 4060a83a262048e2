package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"

	"unil2cpp/internal/config"
	"unil2cpp/internal/loader"
	"unil2cpp/internal/metadata"
	"unil2cpp/internal/model"
	"unil2cpp/internal/recovery"
)

// recoverFlags are shared by dump and graph.
type recoverFlags struct {
	input    *string
	meta     *string
	outDir   *string
	cfgPath  *string
	version  *float64
	dump     *bool
	noRedir  *bool
	verbose  *bool
	resolver resolverFlags
}

func newRecoverFlags(fs *flag.FlagSet) *recoverFlags {
	f := &recoverFlags{
		input:   fs.String("i", "", "IL2CPP binary (libil2cpp.so, GameAssembly.dll, ...)"),
		meta:    fs.String("m", "", "global-metadata.dat"),
		outDir:  fs.String("o", "", "output directory"),
		cfgPath: fs.String("config", "", "config.json path"),
		version: fs.Float64("force-version", 0, "treat the binary as this IL2CPP version"),
		dump:    fs.Bool("force-dump", false, "treat the binary as a memory dump"),
		noRedir: fs.Bool("no-redirect", false, "keep the segment table of an ELF dump"),
		verbose: fs.Bool("v", false, "debug logging"),
	}
	f.resolver.register(fs)
	return f
}

// loadConfig applies command line overrides on top of config.json.
func (f *recoverFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(*f.cfgPath, config.Candidates())
	if err != nil {
		return cfg, err
	}
	if *f.version != 0 {
		cfg.ForceIl2CppVersion = true
		cfg.ForceVersion = *f.version
	}
	if *f.dump {
		cfg.ForceDump = true
	}
	if *f.noRedir {
		cfg.NoRedirectedPointer = true
	}
	return cfg, cfg.Validate()
}

// recoverModel runs the whole pipeline: config, metadata, image, engine,
// model.
func (f *recoverFlags) recoverModel() (*recovery.Engine, *model.Model, error) {
	if *f.input == "" || *f.meta == "" || *f.outDir == "" {
		return nil, nil, fmt.Errorf("-i, -m and -o are required")
	}
	setupLogging(*f.verbose)

	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	raw, err := os.ReadFile(*f.meta)
	if err != nil {
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}
	md, err := metadata.New(raw, metadata.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: %w", err)
	}
	log.Infof("metadata version %s, %d type definitions, %d images", md.Version, md.TypeDefCount(), md.ImageDefCount())

	defer f.resolver.Close()
	img, _, err := loader.OpenFile(*f.input, &f.resolver)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	log.Infof("%s %s, %d sections", img.Format(), img.Arch().Machine, len(img.Sections()))

	eng := recovery.New(img, recovery.Options{
		Version:             cfg.Version(),
		ForceDump:           cfg.ForceDump,
		NoRedirectedPointer: cfg.NoRedirectedPointer,
		Resolver:            &f.resolver,
		Path:                *f.input,
	})
	if err := eng.Init(md); err != nil {
		for _, a := range eng.Attempts() {
			log.Debugf("%s: %v", a.Strategy, a.Err)
		}
		return eng, nil, err
	}
	res := eng.Result()
	log.Infof("%s: CodeRegistration 0x%x, MetadataRegistration 0x%x", res.Strategy, res.CodeRegistration, res.MetadataRegistration)

	m, err := model.Build(eng.Image(), md, eng.Descriptor(), res)
	if err != nil {
		return eng, nil, fmt.Errorf("model: %w", err)
	}
	if *f.verbose {
		m.Dump(os.Stderr)
	}
	if err := os.MkdirAll(*f.outDir, 0755); err != nil {
		return eng, nil, fmt.Errorf("mkdir: %w", err)
	}
	return eng, m, nil
}
