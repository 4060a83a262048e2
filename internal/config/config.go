// Package config loads config.json. The value is handed to whatever needs
// it; nothing reads configuration from globals.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"unil2cpp/internal/layout"
	"unil2cpp/internal/recovery"
)

// FileName is the configuration file looked up in every candidate folder.
const FileName = "config.json"

// Config mirrors the keys of config.json. The output toggles are carried
// for downstream generators and are not interpreted here.
type Config struct {
	DumpMethod       bool `json:"DumpMethod"`
	DumpField        bool `json:"DumpField"`
	DumpProperty     bool `json:"DumpProperty"`
	DumpAttribute    bool `json:"DumpAttribute"`
	DumpFieldOffset  bool `json:"DumpFieldOffset"`
	DumpMethodOffset bool `json:"DumpMethodOffset"`
	DumpTypeDefIndex bool `json:"DumpTypeDefIndex"`
	GenerateDummyDll bool `json:"GenerateDummyDll"`
	GenerateStruct   bool `json:"GenerateStruct"`
	DummyDllAddToken bool `json:"DummyDllAddToken"`
	RequireAnyKey    bool `json:"RequireAnyKey"`

	ForceIl2CppVersion  bool    `json:"ForceIl2CppVersion"`
	ForceVersion        float64 `json:"ForceVersion"`
	ForceDump           bool    `json:"ForceDump"`
	NoRedirectedPointer bool    `json:"NoRedirectedPointer"`

	// Path is where the configuration was read from, empty for defaults.
	Path string `json:"-"`
}

// Default is the stock configuration.
func Default() Config {
	return Config{
		DumpMethod:       true,
		DumpField:        true,
		DumpProperty:     true,
		DumpAttribute:    true,
		DumpFieldOffset:  true,
		DumpMethodOffset: true,
		DumpTypeDefIndex: true,
		GenerateDummyDll: true,
		GenerateStruct:   true,
		RequireAnyKey:    true,
		ForceVersion:     24.3,
	}
}

// Version returns the forced runtime revision, or zero when the metadata
// version applies.
func (c Config) Version() layout.Version {
	if !c.ForceIl2CppVersion {
		return 0
	}
	return layout.Version(c.ForceVersion)
}

// Validate rejects a forced version outside the supported range.
func (c Config) Validate() error {
	if v := c.Version(); c.ForceIl2CppVersion && !v.Valid() {
		return &recovery.ConfigurationError{Msg: fmt.Sprintf("ForceVersion %v outside %s..%s", c.ForceVersion, layout.MinVersion, layout.MaxVersion)}
	}
	return nil
}

// Parse decodes b over the defaults. Keys absent from b keep their
// default value.
func Parse(b []byte) (Config, error) {
	c := Default()
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	return c, c.Validate()
}

// Read parses the file at path.
func Read(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	c.Path = path
	return c, nil
}

// Candidates lists the folders searched for config.json, in order: the
// executable's directory, then the per-user and system folders.
func Candidates() []string {
	var out []string
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Dir(exe))
	}
	for _, f := range configdir.New("unil2cpp", "").QueryFolders(configdir.All) {
		out = append(out, f.Path)
	}
	return out
}

// Load reads explicit when it is set. Otherwise it reads the first
// config.json found in dirs and falls back to the defaults when there is
// none.
func Load(explicit string, dirs []string) (Config, error) {
	if explicit != "" {
		return Read(explicit)
	}
	for _, d := range dirs {
		p := filepath.Join(d, FileName)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		log.Debugf("config: using %s", p)
		return Read(p)
	}
	log.Debugf("config: no %s found, using defaults", FileName)
	return Default(), nil
}
