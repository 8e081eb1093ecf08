// Package config loads the p2pcam YAML configuration file and resolves
// settings from flags, P2PCAM_* environment variables, the file and flag
// defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by the CLI.
const EnvPrefix = "P2PCAM_"

// File is the on-disk configuration.
type File struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	Serve       Serve  `yaml:"serve"`
	View        View   `yaml:"view"`
}

// Serve holds the camera-side settings.
type Serve struct {
	Address        string        `yaml:"address"`
	WSAddress      string        `yaml:"ws_address"`
	Cert           string        `yaml:"cert"`
	Key            string        `yaml:"key"`
	SelfSigned     bool          `yaml:"self_signed"`
	Insecure       bool          `yaml:"insecure"`
	Credentials    string        `yaml:"credentials"`
	Allow          []string      `yaml:"allow"`
	MaxConnections int           `yaml:"max_connections"`
	TCPKeepAlive   time.Duration `yaml:"tcp_keepalive"`
	NAT            string        `yaml:"nat"`
	MDNS           bool          `yaml:"mdns"`
	Instance       string        `yaml:"instance"`
	Media          string        `yaml:"media"`
	Prompt         bool          `yaml:"prompt"`
}

// View holds the viewer-side settings.
type View struct {
	Target      string        `yaml:"target"`
	User        string        `yaml:"user"`
	Out         string        `yaml:"out"`
	Insecure    bool          `yaml:"insecure_skip_verify"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultPath returns the config file used when none is named:
// p2pcam/config.yaml under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "p2pcam", "config.yaml")
}

// Load reads path. A missing file yields an empty File unless required is
// set.
func Load(path string, required bool) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// EnvName returns the environment variable for a flag name, e.g.
// "ws-addr" becomes P2PCAM_WS_ADDR.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func env(flag string) (string, bool) {
	v, ok := os.LookupEnv(EnvName(flag))
	return v, ok && v != ""
}

// String resolves a string flag. fromFile is used when neither the flag
// nor its environment variable is set and it is not empty.
func String(flags *pflag.FlagSet, name, fromFile string) string {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		return v
	}
	if v, ok := env(name); ok {
		return v
	}
	if fromFile != "" {
		return fromFile
	}
	v, _ := flags.GetString(name)
	return v
}

// Bool resolves a bool flag. A true fromFile wins over the default.
func Bool(flags *pflag.FlagSet, name string, fromFile bool) (bool, error) {
	if flags.Changed(name) {
		return flags.GetBool(name)
	}
	if v, ok := env(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", EnvName(name), err)
		}
		return b, nil
	}
	if fromFile {
		return true, nil
	}
	return flags.GetBool(name)
}

// Int resolves an int flag. A non-zero fromFile wins over the default.
func Int(flags *pflag.FlagSet, name string, fromFile int) (int, error) {
	if flags.Changed(name) {
		return flags.GetInt(name)
	}
	if v, ok := env(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", EnvName(name), err)
		}
		return n, nil
	}
	if fromFile != 0 {
		return fromFile, nil
	}
	return flags.GetInt(name)
}

// Duration resolves a duration flag. A non-zero fromFile wins over the
// default.
func Duration(flags *pflag.FlagSet, name string, fromFile time.Duration) (time.Duration, error) {
	if flags.Changed(name) {
		return flags.GetDuration(name)
	}
	if v, ok := env(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", EnvName(name), err)
		}
		return d, nil
	}
	if fromFile != 0 {
		return fromFile, nil
	}
	return flags.GetDuration(name)
}

// StringSlice resolves a string slice flag. The environment variable is
// comma separated.
func StringSlice(flags *pflag.FlagSet, name string, fromFile []string) []string {
	if flags.Changed(name) {
		v, _ := flags.GetStringSlice(name)
		return v
	}
	if v, ok := env(name); ok {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if len(fromFile) > 0 {
		return fromFile
	}
	v, _ := flags.GetStringSlice(name)
	return v
}
