// Package profiles loads named collection profiles: which fuels to
// collect and with what query parameters.
package profiles

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/precodata/preco-cli/internal/model"
)

// Profile is one named collection setup. Zero-valued fields fall back
// to the process configuration.
type Profile struct {
	Fuels     []string `yaml:"fuels"`
	Horas     int      `yaml:"horas"`
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	Raio      int      `yaml:"raio"`
	Ordenar   string   `yaml:"ordenar"`
	MaxPages  int      `yaml:"max_pages"`
}

// File is the parsed profiles document.
type File struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// DefaultName is the profile used when none is requested.
const DefaultName = "default"

// Default returns the built-in profile: all standard fuels, query
// parameters from process config.
func Default() Profile {
	fuels := model.DefaultFuels()
	names := make([]string, len(fuels))
	for i, f := range fuels {
		names[i] = string(f)
	}
	return Profile{Fuels: names}
}

// Load reads a profiles file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profiles: read %s", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "profiles: parse %s", path)
	}
	return &f, nil
}

// Get returns a named profile. The built-in default is always
// available, even with no profiles file on disk.
func (f *File) Get(name string) (Profile, error) {
	if f != nil {
		if p, ok := f.Profiles[name]; ok {
			if len(p.Fuels) == 0 {
				p.Fuels = Default().Fuels
			}
			return p, nil
		}
	}
	if name == DefaultName || name == "" {
		return Default(), nil
	}
	return Profile{}, eris.Errorf("profiles: unknown profile %q", name)
}

// ParsedFuels normalizes the profile's fuel list.
func (p Profile) ParsedFuels() ([]model.Fuel, error) {
	fuels := make([]model.Fuel, 0, len(p.Fuels))
	for _, name := range p.Fuels {
		f, err := model.ParseFuel(name)
		if err != nil {
			return nil, err
		}
		fuels = append(fuels, f)
	}
	return fuels, nil
}
