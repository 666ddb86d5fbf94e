package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	// DefaultPath is where the package manager keeps the snapper plugin config
	DefaultPath = "/etc/dnf/plugins/snapper.conf"

	mainSection   = "main"
	configsOption = "snapper_configs"
	enabledOption = "enabled"
)

// Load reads the INI plugin config at path. A missing file yields an empty
// config.
func Load(path string) (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return f, nil
}

// Parse reads the plugin config from raw bytes
func Parse(data []byte) (*ini.File, error) {
	return ini.Load(data)
}

// Enabled reports whether the plugin is switched on, which is the default
// when the option is absent
func Enabled(f *ini.File) bool {
	if f == nil {
		return true
	}
	sec, err := f.GetSection(mainSection)
	if err != nil {
		return true
	}
	return sec.Key(enabledOption).MustBool(true)
}

// Targets returns the snapper config names listed in [main] snapper_configs
// in the order they appear. Repeated names are returned once. Missing section
// or option yields nil.
func Targets(f *ini.File) []string {
	if f == nil {
		return nil
	}
	sec, err := f.GetSection(mainSection)
	if err != nil {
		return nil
	}
	if !sec.HasKey(configsOption) {
		return nil
	}

	var (
		result []string
		seen   = map[string]bool{}
	)
	for _, name := range strings.Fields(sec.Key(configsOption).String()) {
		if seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, name)
	}
	return result
}
