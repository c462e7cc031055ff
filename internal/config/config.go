// Package config loads smartshell settings from the environment, an
// optional YAML file and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/smartshell/internal/terminal"
)

// EnvPrefix prefixes every environment variable, e.g. SMARTSHELL_HOST.
const EnvPrefix = "SMARTSHELL"

// ErrNoHost is returned by Validate when no host is configured.
var ErrNoHost = errors.New("no host configured")

// Settings are read from SMARTSHELL_<FIELD_NAME> variables. Names come from
// split_words: an explicit envconfig name is also looked up unprefixed, so
// USER or HOST from the login environment would leak in.
type Settings struct {
	Host          string   `split_words:"true" yaml:"host"`
	Port          int      `split_words:"true" default:"22" yaml:"port"`
	User          string   `split_words:"true" default:"root" yaml:"user"`
	Password      string   `split_words:"true" yaml:"password"`
	KeyPath       string   `split_words:"true" yaml:"key_path"`
	KeyPassphrase string   `split_words:"true" yaml:"key_passphrase"`
	Fingerprint   string   `split_words:"true" yaml:"fingerprint"`
	JumpHosts     []string `split_words:"true" yaml:"jump_hosts"`

	// Terminal requested for shells
	TerminalType   string `split_words:"true" default:"xterm" yaml:"terminal_type"`
	TerminalWidth  int    `split_words:"true" default:"80" yaml:"terminal_width"`
	TerminalHeight int    `split_words:"true" default:"25" yaml:"terminal_height"`
	TerminalUnit   string `split_words:"true" default:"chars" yaml:"terminal_unit"`

	// TerminalEnv is sent as environment variables, e.g. LC_ALL:C,LANG:C.
	TerminalEnv map[string]string `split_words:"true" yaml:"terminal_env"`

	ConnectTimeout    time.Duration `split_words:"true" default:"10s" yaml:"connect_timeout"`
	CommandTimeout    time.Duration `split_words:"true" default:"30s" yaml:"command_timeout"`
	DetectTimeout     time.Duration `split_words:"true" default:"15s" yaml:"detect_timeout"`
	KeepaliveInterval time.Duration `split_words:"true" default:"30s" yaml:"keepalive_interval"`
	SettlePause       time.Duration `split_words:"true" default:"1s" yaml:"settle_pause"`

	LogLevel string `split_words:"true" default:"info" yaml:"log_level"`
	LogDev   bool   `split_words:"true" default:"false" yaml:"log_dev"`
	LogFile  string `split_words:"true" yaml:"log_file"`

	MetricsAddr  string `split_words:"true" yaml:"metrics_addr"`
	RecordingMax int    `split_words:"true" default:"0" yaml:"recording_max"`
}

// Load reads the environment, applying defaults for unset variables.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// LoadFile reads settings from a YAML file. Fields absent from the file are
// left zero so they do not override anything when merged.
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return s, nil
}

// Merge overrides s with every non-zero field of overrides. A zero value
// in overrides never clears a field.
func (s *Settings) Merge(overrides Settings) error {
	if err := mergo.Merge(s, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return nil
}

// Resolve loads the environment, then merges file (when non-empty) and
// flags over it.
func Resolve(file string, flags Settings) (Settings, error) {
	s, err := Load()
	if err != nil {
		return Settings{}, err
	}
	if file != "" {
		fromFile, err := LoadFile(file)
		if err != nil {
			return Settings{}, err
		}
		if err := s.Merge(fromFile); err != nil {
			return Settings{}, err
		}
	}
	if err := s.Merge(flags); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings needed to open a connection.
func (s Settings) Validate() error {
	if s.Host == "" {
		return ErrNoHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	for _, hop := range s.JumpHosts {
		if _, _, err := ParseHostPort(hop, s.Port); err != nil {
			return err
		}
	}
	return nil
}

// Terminal builds the terminal descriptor for shells.
func (s Settings) Terminal() (*terminal.Descriptor, error) {
	unit, err := terminal.ParseUnit(s.TerminalUnit)
	if err != nil {
		return nil, err
	}
	termType, err := terminal.ParseType(s.TerminalType)
	if err != nil {
		return nil, err
	}
	return terminal.New(
		terminal.WithType(termType),
		terminal.WithSize(s.TerminalWidth, s.TerminalHeight),
		terminal.WithUnit(unit),
		terminal.WithEnv(s.TerminalEnv),
	)
}

// ParseHostPort splits "host" or "host:port". defaultPort is used when no
// port is given.
func ParseHostPort(hop string, defaultPort int) (string, int, error) {
	hop = strings.TrimSpace(hop)
	if hop == "" {
		return "", 0, errors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(hop)
	if err != nil {
		// No port.
		return strings.Trim(hop, "[]"), defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", hop)
	}
	return host, port, nil
}
