package operator

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModuleConfig defines a module slot: the module with provided name
// connects to the operator at the address.
type ModuleConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Config of the operator process.
type Config struct {
	// Modules in chain order.
	Modules []ModuleConfig `yaml:"modules"`
	// Parameters is a parameter file applied once all modules published.
	Parameters string `yaml:"parameters,omitempty"`
	// AutoConfig and BackLink are initial values of the operator
	// parameters.
	AutoConfig bool `yaml:"autoConfig"`
	BackLink   bool `yaml:"backLink"`
	// Console addresses, empty disables the console.
	Telnet    string `yaml:"telnet,omitempty"`
	Websocket string `yaml:"websocket,omitempty"`
	HTTP      string `yaml:"http,omitempty"`

	Version string `yaml:"-"`
	// StepTimeout bounds lifecycle requests made from scripts.
	StepTimeout time.Duration `yaml:"stepTimeout,omitempty"`
}

// Default addresses.
const (
	DefaultTelnet      = "127.0.0.1:3999"
	DefaultWebsocket   = "127.0.0.1:3998"
	DefaultStepTimeout = 10 * time.Second
)

// DefaultModules is the standard three module setup.
func DefaultModules() []ModuleConfig {
	return []ModuleConfig{
		{Name: "Source", Address: "127.0.0.1:4000"},
		{Name: "SignalProcessing", Address: "127.0.0.1:4001"},
		{Name: "Application", Address: "127.0.0.1:4002"},
	}
}

// DefaultConfig returns configuration of the standard setup.
func DefaultConfig() Config {
	return Config{
		Modules:     DefaultModules(),
		BackLink:    true,
		Telnet:      DefaultTelnet,
		StepTimeout: DefaultStepTimeout,
	}
}

// Validate checks module slots.
func (c Config) Validate() error {
	if len(c.Modules) == 0 {
		return fmt.Errorf("no modules configured")
	}
	names := make(map[string]struct{}, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" || m.Address == "" {
			return fmt.Errorf("module %d: name and address are required", i)
		}
		if _, ok := names[m.Name]; ok {
			return fmt.Errorf("module %s is configured twice", m.Name)
		}
		names[m.Name] = struct{}{}
	}
	return nil
}

// ReadConfig decodes configuration from r. Missing fields take values of
// DefaultConfig.
func ReadConfig(r io.Reader) (Config, error) {
	c := DefaultConfig()
	c.Modules = nil
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode operator config: %w", err)
	}
	if len(c.Modules) == 0 {
		c.Modules = DefaultModules()
	}
	return c, c.Validate()
}

// ReadConfigFile reads configuration file at path.
func ReadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ReadConfig(f)
}
