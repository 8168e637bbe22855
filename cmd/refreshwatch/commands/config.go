package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/refreshwatch/internal/app"
)

// envPrefix marks the variables read as configuration.
const envPrefix = "REFRESHWATCH_"

// listKeys hold comma-separated lists when set through the environment.
var listKeys = map[string]bool{
	"refresh.oauth.scopes": true,
}

// cliOnlyFlags are command flags that are not configuration.
var cliOnlyFlags = map[string]bool{
	"config": true,
	"retry":  true,
	"method": true,
}

// configSource feeds one layer of configuration into k. Later sources win.
type configSource struct {
	name string
	load func(k *koanf.Koanf) error
}

// loadConfig layers the TOML file, REFRESHWATCH_ variables and explicitly set
// flags, then fills what is still unset with defaults and validates.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	sources := []configSource{
		{name: "config file", load: func(k *koanf.Koanf) error {
			if configPath == "" {
				return nil
			}
			return k.Load(file.Provider(configPath), toml.Parser())
		}},
		{name: "environment variables", load: func(k *koanf.Koanf) error {
			return k.Load(env.Provider(".", env.Opt{
				Prefix:        envPrefix,
				TransformFunc: envKey,
				EnvironFunc:   environFunc,
			}), nil)
		}},
		{name: "CLI flags", load: func(k *koanf.Koanf) error {
			if cmd == nil {
				return nil
			}
			return k.Load(confmap.Provider(extractAndTransformFlags(cmd), "."), nil)
		}},
	}

	k := koanf.New(".")
	for _, src := range sources {
		if err := src.load(k); err != nil {
			return nil, fmt.Errorf("loading %s: %w", src.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envKey maps REFRESHWATCH_REFRESH__OAUTH__SCOPES to refresh.oauth.scopes.
func envKey(key, value string) (string, any) {
	nested := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "__", "."))
	if listKeys[nested] {
		return nested, splitList(value)
	}
	return nested, value
}

// extractAndTransformFlags returns the explicitly set flags of cmd and its
// parents as config keys, "--" nesting and "-" becoming "_".
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	for _, name := range cmd.FlagNames() {
		if cliOnlyFlags[name] || !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}

func splitList(value string) []string {
	var items []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
