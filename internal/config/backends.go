package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/seantiz/anvil/internal/backend"
)

// LoadBackends reads backend definitions from a TOML file. The file holds one
// [[backends]] table per backend; field names follow the mapstructure tags on
// backend.Config. Definitions are decoded only, not validated: compilation
// and validation happen in backend.NewDescriptor.
func LoadBackends(path string) ([]backend.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading backends file %s: %w", path, err)
	}

	var cfgs []backend.Config
	if err := v.UnmarshalKey("backends", &cfgs); err != nil {
		return nil, fmt.Errorf("decoding backends file %s: %w", path, err)
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("backends file %s defines no backends", path)
	}
	return cfgs, nil
}
