package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".ios-lldb-dap"
	configFile string = "config.yml"
)

// ConfigEnvVar is the environment variable through which the external
// launcher delivers the JSON launch configuration blob.
const ConfigEnvVar = "IOS_LLDB_DAP_CONFIG"

// LaunchConfig is the JSON configuration supplied by the launcher or by
// the launch/attach request arguments. Program is always required;
// DebugserverPort may be 0, meaning no remote attach (local-only
// symbolication and a harness-style fake stop).
type LaunchConfig struct {
	// Request is either "launch" or "attach".
	Request string `json:"request,omitempty"`

	// Program is the path to the Mach-O image to debug.
	Program string `json:"program"`

	// Cwd is the working directory of the debugged program.
	Cwd string `json:"cwd,omitempty"`

	// DebugserverPort is the TCP port of a debugserver speaking the
	// gdb-remote protocol. 0 disables remote execution control.
	DebugserverPort int `json:"debugserverPort"`

	// DebugInfoPath optionally points at an external dSYM bundle.
	DebugInfoPath string `json:"debugInfoPath,omitempty"`

	// StrictSymbols makes missing DWARF a fatal load error instead of a
	// degradation to raw-address reporting.
	StrictSymbols bool `json:"strictSymbols,omitempty"`

	// StopOnEntry stops the target right after configurationDone.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// StackTraceDepth is the maximum length of a returned stack trace.
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`
}

// Validate checks that the configuration can start a session.
func (c *LaunchConfig) Validate() error {
	if c.Program == "" {
		return errors.New("the program attribute is missing in debug configuration")
	}
	if c.DebugserverPort < 0 || c.DebugserverPort > 65535 {
		return fmt.Errorf("debugserverPort %d out of range", c.DebugserverPort)
	}
	return nil
}

// ParseLaunch unmarshals a launch/attach arguments payload. Unmarshal
// failures are massaged to be suitable for end users.
func ParseLaunch(raw json.RawMessage) (*LaunchConfig, error) {
	cfg := &LaunchConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		var uerr *json.UnmarshalTypeError
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, uerr.Type)
		}
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the launch configuration blob delivered through the
// IOS_LLDB_DAP_CONFIG environment variable. The second return value is
// false when the variable is unset.
func FromEnv() (*LaunchConfig, bool, error) {
	raw, ok := os.LookupEnv(ConfigEnvVar)
	if !ok || raw == "" {
		return nil, false, nil
	}
	cfg, err := ParseLaunch(json.RawMessage(raw))
	if err != nil {
		return nil, true, fmt.Errorf("invalid %s: %v", ConfigEnvVar, err)
	}
	return cfg, true, nil
}

// Config defines adapter-wide options available through the config file.
type Config struct {
	// DebugInfoDirectories is the list of directories the adapter will
	// search in order to resolve external dSYM bundles.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// MaxStackDepth limits how far the frame-pointer walk will go when
	// the launch configuration does not say otherwise.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	fullConfigFile, err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create config directory: %v\n", err)
		return &Config{}
	}

	hasFile, _ := fileExists(fullConfigFile)
	if !hasFile {
		return &Config{}
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read config data: %v\n", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to decode config file: %v\n", err)
		return &Config{}
	}
	return &c
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func createConfigPath() (string, error) {
	path, err := getConfigFilePath(configFile)
	if err != nil {
		return "", err
	}
	return path, os.MkdirAll(filepath.Dir(path), 0o700)
}

func getConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("IOS_LLDB_DAP_HOME"); configPath != "" {
		return filepath.Join(configPath, file), nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(usr.HomeDir, configDir, file), nil
}
