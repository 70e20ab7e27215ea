// Package candyfscfg is the configuration surface shared by both CandyFS
// binaries: a Config struct populated from pflag flags with an optional
// viper-read YAML file overlaid on top.
package candyfscfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface shared by mkfscandyfs and
// mountcandyfs; each binary only reads the fields relevant to it.
type Config struct {
	// BlockSize is the on-device block size in bytes. Must match the size
	// the filesystem was formatted with.
	BlockSize int `mapstructure:"block-size" yaml:"block-size"`

	// IlistRatio is the fraction of the device (1/N) reserved for the
	// inum-to-inode-block table at format time.
	IlistRatio int `mapstructure:"ilist-ratio" yaml:"ilist-ratio"`

	// Uid and Gid, when both are set to something other than -1, give the
	// root directory's owner at format time, or the identity that owns
	// inodes created through a mount and that the engine's permission
	// checks run as. Otherwise mountcandyfs uses the invoking user's uid
	// and primary gid, and mkfscandyfs uses those with --user and root
	// without it.
	Uid int `mapstructure:"uid" yaml:"uid"`
	Gid int `mapstructure:"gid" yaml:"gid"`

	// MountOptions are passed through verbatim as repeated "-o name=value"
	// FUSE mount options.
	MountOptions []string `mapstructure:"mount-options" yaml:"mount-options,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LoggingConfig configures the logger package.
type LoggingConfig struct {
	FilePath string `mapstructure:"file-path" yaml:"file-path,omitempty"`
	Format   string `mapstructure:"format" yaml:"format"`
	Severity string `mapstructure:"severity" yaml:"severity"`
}

// DefaultConfig mirrors the defaults a binary run with no flags and no
// config file gets.
func DefaultConfig() Config {
	return Config{
		BlockSize:  512,
		IlistRatio: 256,
		Uid:        -1,
		Gid:        -1,
		Logging: LoggingConfig{
			Format:   "text",
			Severity: "INFO",
		},
	}
}

// BindFlags registers every Config field as a persistent flag on fs,
// mirroring cfg.BindFlags's flag-per-field approach, scaled down to
// CandyFS's handful of knobs.
func BindFlags(fs *pflag.FlagSet) *Config {
	cfg := DefaultConfig()
	fs.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "on-device block size in bytes")
	fs.IntVar(&cfg.IlistRatio, "ilist-ratio", cfg.IlistRatio, "reserve 1/N of all blocks for the inode table")
	fs.IntVar(&cfg.Uid, "uid", cfg.Uid, "owning uid, or -1 for the default owner (used only if --gid is also set)")
	fs.IntVar(&cfg.Gid, "gid", cfg.Gid, "owning gid, or -1 for the default group (used only if --uid is also set)")
	fs.StringArrayVarP(&cfg.MountOptions, "mount-option", "o", nil, "additional FUSE mount option, may be repeated")
	fs.StringVar(&cfg.Logging.FilePath, "log-file", cfg.Logging.FilePath, "path to a log file; empty logs to stderr")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "text or json")
	fs.StringVar(&cfg.Logging.Severity, "log-severity", cfg.Logging.Severity, "severity of the --log-file log: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF; logging to stderr stays at INFO")
	return &cfg
}

// Stringify renders the effective configuration as YAML, logged once at
// startup so a mount's behaviour can be reconstructed from its log alone.
func Stringify(cfg Config) string {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("%+v", cfg)
	}
	return string(out)
}

// OverlayConfigFile reads a YAML config file and unmarshals it on top of
// cfg: every setting the file names replaces the value already in cfg,
// including one set on the command line, and fields the file does not
// name keep their values. Mirrors cmd/root.go's initConfig.
func OverlayConfigFile(cfg *Config, path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("candyfscfg: reading config file: %w", err)
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("candyfscfg: unmarshaling config file: %w", err)
	}
	return nil
}
