// Package config loads and validates the server's configuration (spec
// §6.4): company name, per-car overrides, MQTT address/port/timeouts,
// send_invalid_command, sleep_duration_after_connection_refused, and the
// module table.
//
// Grounded on the domain stack named by savdsouza-test-83-kl4t8w's
// tracking-service go.mod (github.com/spf13/viper, "configuration
// management ... environment variables and file support") layered over
// gopkg.in/yaml.v3 (already in the teacher's go.mod) for the file format,
// and on that same package's config.go for the Validate-aggregates-errors
// shape -- generalized from os.Getenv lookups to a Viper-backed loader with
// file + FLEET_-prefixed environment variable support.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wheelos/fleet-bridge/pkg/carserver"
)

// identifierPattern matches the lowercase company/car naming rule (spec
// §6.1).
var identifierPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// Module is one entry of the "modules" table (spec §6.4): the module's
// native library path and the key/value configuration entries passed to
// plugin.ModulePlugin.Init.
type Module struct {
	LibPath string            `mapstructure:"lib_path"`
	Config  map[string]string `mapstructure:"config"`
}

// CarOverride holds the subset of top-level settings a car may override.
// Nil/zero fields inherit the top-level value (Resolve fills them in).
type CarOverride struct {
	MqttAddress *string           `mapstructure:"mqtt_address"`
	MqttPort    *int              `mapstructure:"mqtt_port"`
	MqttTimeout *time.Duration    `mapstructure:"mqtt_timeout"`
	Modules     map[uint32]Module `mapstructure:"modules"`
}

// Log carries the log level and directory settings spec §6.4 calls "out of
// core scope" -- present so the config file has somewhere to put them, not
// interpreted by anything in this package. There are no rotation fields.
type Log struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// Config is the root configuration document.
type Config struct {
	CompanyName string                 `mapstructure:"company_name"`
	Cars        map[string]CarOverride `mapstructure:"cars"`

	MqttAddress string        `mapstructure:"mqtt_address"`
	MqttPort    int           `mapstructure:"mqtt_port"`
	MqttTimeout time.Duration `mapstructure:"mqtt_timeout"`

	// Timeout backs both the status checker and the command tracker (spec
	// §4.4, §4.5 both say "a timer of duration timeout").
	Timeout time.Duration `mapstructure:"timeout"`

	SendInvalidCommand                  bool          `mapstructure:"send_invalid_command"`
	SleepDurationAfterConnectionRefused time.Duration `mapstructure:"sleep_duration_after_connection_refused"`

	Modules map[uint32]Module `mapstructure:"modules"`

	Log Log `mapstructure:"log"`

	// AuditDSN, if set, enables the optional append-only audit sink
	// (internal/audit) over this PostgreSQL connection string. Empty
	// disables it; this is the only field internal/audit consults.
	AuditDSN string `mapstructure:"audit_dsn"`
}

// CarConfig is one car's fully-resolved settings: Config with every
// override applied, ready to build a carserver.Config and mqttadapter.Config
// from.
type CarConfig struct {
	Car         string
	MqttAddress string
	MqttPort    int
	MqttTimeout time.Duration

	Timeout                              time.Duration
	SendInvalidCommand                   bool
	SleepDurationAfterConnectionRefused  time.Duration

	Modules map[uint32]Module
}

// Load reads and validates the configuration document at path, applying
// FLEET_-prefixed environment variable overrides (e.g. FLEET_MQTT_PORT),
// per spec §6.4. A malformed or invalid document returns a wrapped
// carserver.ErrConfig, which callers (cmd/external-server) treat as a
// fatal, exit-1 startup error (spec §7).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w: %v", path, carserver.ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w: %v", path, carserver.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field spec §6.4 constrains, aggregating every
// violation into a single error (grounded on
// savdsouza-test-83-kl4t8w/.../config.go's Validate, which collects
// messages into one joined error instead of failing on the first).
func (c *Config) Validate() error {
	var errs []string

	if !identifierPattern.MatchString(c.CompanyName) {
		errs = append(errs, fmt.Sprintf("company_name %q must match ^[a-z0-9_]*$", c.CompanyName))
	}
	if c.MqttPort < 0 || c.MqttPort > 65535 {
		errs = append(errs, fmt.Sprintf("mqtt_port %d out of range 0-65535", c.MqttPort))
	}
	if c.MqttTimeout < 0 {
		errs = append(errs, "mqtt_timeout must be non-negative")
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if c.SleepDurationAfterConnectionRefused < 0 {
		errs = append(errs, "sleep_duration_after_connection_refused must be non-negative")
	}
	for id, m := range c.Modules {
		if strings.TrimSpace(m.LibPath) == "" {
			errs = append(errs, fmt.Sprintf("modules[%d].lib_path must not be empty", id))
		}
	}
	for name, ov := range c.Cars {
		if !identifierPattern.MatchString(name) {
			errs = append(errs, fmt.Sprintf("car name %q must match ^[a-z0-9_]*$", name))
		}
		if ov.MqttPort != nil && (*ov.MqttPort < 0 || *ov.MqttPort > 65535) {
			errs = append(errs, fmt.Sprintf("cars[%s].mqtt_port %d out of range 0-65535", name, *ov.MqttPort))
		}
		if ov.MqttTimeout != nil && *ov.MqttTimeout < 0 {
			errs = append(errs, fmt.Sprintf("cars[%s].mqtt_timeout must be non-negative", name))
		}
		for id, m := range ov.Modules {
			if strings.TrimSpace(m.LibPath) == "" {
				errs = append(errs, fmt.Sprintf("cars[%s].modules[%d].lib_path must not be empty", name, id))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", carserver.ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Resolve applies car's overrides (if any) over the top-level settings,
// returning the fully-resolved per-car configuration the supervisor builds
// a carserver.Config and mqttadapter.Config from. Resolve does not itself
// validate car against c.Cars; an unknown car name simply gets no
// overrides.
func (c *Config) Resolve(car string) CarConfig {
	rc := CarConfig{
		Car:                                  car,
		MqttAddress:                          c.MqttAddress,
		MqttPort:                             c.MqttPort,
		MqttTimeout:                          c.MqttTimeout,
		Timeout:                              c.Timeout,
		SendInvalidCommand:                   c.SendInvalidCommand,
		SleepDurationAfterConnectionRefused:  c.SleepDurationAfterConnectionRefused,
		Modules:                              c.Modules,
	}

	ov, ok := c.Cars[car]
	if !ok {
		return rc
	}
	if ov.MqttAddress != nil {
		rc.MqttAddress = *ov.MqttAddress
	}
	if ov.MqttPort != nil {
		rc.MqttPort = *ov.MqttPort
	}
	if ov.MqttTimeout != nil {
		rc.MqttTimeout = *ov.MqttTimeout
	}
	if ov.Modules != nil {
		rc.Modules = ov.Modules
	}
	return rc
}

// CarNames returns the configured car names in map-iteration order; callers
// that need a deterministic order should sort the result.
func (c *Config) CarNames() []string {
	names := make([]string, 0, len(c.Cars))
	for name := range c.Cars {
		names = append(names, name)
	}
	return names
}

// Dump renders the fully-decoded, post-env-override configuration back to
// YAML, so an operator running with -print-config sees exactly what Load
// produced rather than having to re-derive it from the file plus whatever
// FLEET_ environment variables happen to be set.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: dump: %w", err)
	}
	return out, nil
}
