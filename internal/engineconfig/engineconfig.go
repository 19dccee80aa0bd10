// Package engineconfig loads splitgraph engine configuration, layering
// CLI flags over environment variables over a TOML config file over
// built-in defaults — the same precedence order as
// original_source/splitgraph/config/config.py's lazy_get_config_value,
// implemented with viper the way the teacher's internal/config wraps
// viper for its own settings layer.
package engineconfig

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// RemoteConfig describes one named peer engine (an "[remote \"origin\"]"
// section in .sgconfig), mirroring original_source's remote config shape.
type RemoteConfig struct {
	Connection string `toml:"connection"`
	Username   string `toml:"username,omitempty"`
	Password   string `toml:"password,omitempty"`
}

// fileConfig is the on-disk TOML shape read via BurntSushi/toml before
// being merged into viper, so that nested [remote "name"] tables survive
// viper's flatter key model.
type fileConfig struct {
	Engine struct {
		Connection       string `toml:"connection"`
		DefaultChunkSize int    `toml:"default_chunk_size"`
		DefaultNamespace string `toml:"default_namespace"`
	} `toml:"engine"`
	Remote map[string]RemoteConfig `toml:"remote"`
}

// Config is the resolved engine configuration.
type Config struct {
	// Connection is the backing-store DSN consumed by pgxpool.ParseConfig.
	Connection string
	// DefaultChunkSize is used by commit when the caller doesn't specify one.
	DefaultChunkSize int
	// DefaultNamespace is used when a repository reference omits one.
	DefaultNamespace string
	// Remotes maps remote name to its connection info.
	Remotes map[string]RemoteConfig
}

const (
	envPrefix               = "SPLITGRAPH"
	defaultChunkSize        = 10000
	defaultConfigFileName   = ".sgconfig"
	defaultConnection       = "postgres://localhost:5432/splitgraph?sslmode=disable"
)

// Load resolves configuration from, in increasing precedence: built-in
// defaults, the TOML file at path (if non-empty and present), environment
// variables prefixed SPLITGRAPH_, and finally any flags already bound
// into v by the caller (e.g. cobra's BindPFlags).
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.connection", defaultConnection)
	v.SetDefault("engine.default_chunk_size", defaultChunkSize)
	v.SetDefault("engine.default_namespace", "")

	cfg := &Config{
		Connection:       v.GetString("engine.connection"),
		DefaultChunkSize: v.GetInt("engine.default_chunk_size"),
		DefaultNamespace: v.GetString("engine.default_namespace"),
		Remotes:          map[string]RemoteConfig{},
	}

	if path == "" {
		path = defaultConfigFileName
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err == nil {
		if fc.Engine.Connection != "" {
			cfg.Connection = fc.Engine.Connection
		}
		if fc.Engine.DefaultChunkSize > 0 {
			cfg.DefaultChunkSize = fc.Engine.DefaultChunkSize
		}
		if fc.Engine.DefaultNamespace != "" {
			cfg.DefaultNamespace = fc.Engine.DefaultNamespace
		}
		for name, r := range fc.Remote {
			cfg.Remotes[name] = r
		}
	}

	// Any value v resolves above its built-in default (a flag the caller
	// set or bound into v before calling Load, or a SPLITGRAPH_ env var)
	// takes final precedence over the file, matching the original's
	// argument > env > file ordering.
	if c := v.GetString("engine.connection"); c != defaultConnection {
		cfg.Connection = c
	}
	if n := v.GetInt("engine.default_chunk_size"); n != defaultChunkSize {
		cfg.DefaultChunkSize = n
	}
	if ns := v.GetString("engine.default_namespace"); ns != "" {
		cfg.DefaultNamespace = ns
	}

	return cfg, nil
}

// Remote looks up a configured remote by name.
func (c *Config) Remote(name string) (RemoteConfig, error) {
	r, ok := c.Remotes[name]
	if !ok {
		return RemoteConfig{}, fmt.Errorf("remote %q not configured", name)
	}
	return r, nil
}
