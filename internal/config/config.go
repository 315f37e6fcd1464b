// Package config parses the node's CLI flags and optional TOML file
// into a Config (spec.md §6, SPEC_FULL.md §4.E).
//
// Grounded on the pack's `linkerd2` cmd/ tree, the only example
// repository with a real cobra+pflag CLI surface, for the
// flag-then-file-then-default precedence idiom and for keeping flag
// registration next to a plain Go struct rather than a framework-owned
// config object.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/demfabris/gistit/internal/errs"
)

// Config is the fully resolved startup configuration of spec.md §4.E/§6.
type Config struct {
	Host        string   `toml:"host"`
	Port        uint16   `toml:"port"`
	Dial        []string `toml:"dial"`
	Bootstrap   bool     `toml:"bootstrap"`
	LogLevel    string   `toml:"log_level"`
	KeyFile     string   `toml:"key_file"`
	ConfigFile  string   `toml:"-"`
}

// Default returns the zero-configuration startup shape: all
// interfaces, ephemeral port, no seeds, no bootstrap, info logging, an
// ephemeral (unpersisted) identity.
func Default() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     0,
		LogLevel: "info",
	}
}

// LogLevelEnvVar is the RUST_LOG-equivalent verbosity selector renamed
// per spec.md §6's "implementers may rename the variable but must
// document it" allowance.
const LogLevelEnvVar = "GISTIT_LOG"

// RegisterFlags wires spec.md §6's flag set, plus --config and
// --log-level, onto fs. Values land in cfg; call Resolve afterward to
// layer in the TOML file and environment.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	fs.Uint16Var(&cfg.Port, "port", cfg.Port, "listen port (0 for ephemeral)")
	fs.StringArrayVar(&cfg.Dial, "dial", cfg.Dial, "seed peer multiaddr (repeatable)")
	fs.BoolVar(&cfg.Bootstrap, "bootstrap", cfg.Bootstrap, "perform a DHT bootstrap after seed dial")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "path to a persisted node identity key")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to a TOML config file")
}

// Resolve layers the optional TOML file under the already-parsed flags
// (flags win on any field pflag reports as explicitly changed), then
// falls back to the GISTIT_LOG environment variable for LogLevel when
// neither flags nor file set it.
func Resolve(fs *pflag.FlagSet, cfg *Config) error {
	fileSetLogLevel := false
	if cfg.ConfigFile != "" {
		var fileCfg Config
		if _, err := toml.DecodeFile(cfg.ConfigFile, &fileCfg); err != nil {
			return errs.Config("config.decode-toml", err)
		}
		mergeUnset(fs, cfg, fileCfg)
		fileSetLogLevel = fileCfg.LogLevel != ""
	}
	if !fs.Changed("log-level") && !fileSetLogLevel && os.Getenv(LogLevelEnvVar) != "" {
		cfg.LogLevel = os.Getenv(LogLevelEnvVar)
	}
	return Validate(*cfg)
}

// mergeUnset copies fileCfg fields into cfg wherever the corresponding
// flag was not explicitly set on the command line, giving flags
// precedence over the file as spec.md's config-overlay convention
// requires.
func mergeUnset(fs *pflag.FlagSet, cfg *Config, fileCfg Config) {
	if !fs.Changed("host") && fileCfg.Host != "" {
		cfg.Host = fileCfg.Host
	}
	if !fs.Changed("port") && fileCfg.Port != 0 {
		cfg.Port = fileCfg.Port
	}
	if !fs.Changed("dial") && len(fileCfg.Dial) > 0 {
		cfg.Dial = fileCfg.Dial
	}
	if !fs.Changed("bootstrap") && fileCfg.Bootstrap {
		cfg.Bootstrap = fileCfg.Bootstrap
	}
	if !fs.Changed("log-level") && fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if !fs.Changed("key-file") && fileCfg.KeyFile != "" {
		cfg.KeyFile = fileCfg.KeyFile
	}
}

// Validate checks the config fields spec.md §7 calls out as a
// ConfigError class (bad flags before any socket or listener is
// touched).
func Validate(cfg Config) error {
	if cfg.Host == "" {
		return errs.Config("config.validate", fmt.Errorf("host must not be empty"))
	}
	for _, addr := range cfg.Dial {
		if addr == "" {
			return errs.Config("config.validate", fmt.Errorf("dial address must not be empty"))
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errs.Config("config.validate", fmt.Errorf("unrecognised log level %q", cfg.LogLevel))
	}
	return nil
}

// BindCobra attaches RegisterFlags/Resolve to a cobra.Command's
// PersistentPreRunE, the pack's convention for keeping flag parsing
// next to the command that uses it rather than in main().
func BindCobra(cmd *cobra.Command, cfg *Config) {
	RegisterFlags(cmd.Flags(), cfg)
	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return Resolve(cmd.Flags(), cfg)
	}
}
