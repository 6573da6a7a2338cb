// Package config holds the configuration of the astrotask daemon and its
// loading from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/astrotask/motion"
)

// EnvPrefix prefixes environment overrides, ASTROTASK_STORE__URL sets store.url.
const EnvPrefix = "ASTROTASK_"

// device types understood by the devices package
const (
	TypeMockCcd         = "mock-ccd"
	TypeMockCooler      = "mock-cooler"
	TypeMockFilterWheel = "mock-filterwheel"
	TypeMockFocuser     = "mock-focuser"
	TypeASCIIFocuser    = "ascii-focuser"
)

var deviceTypes = map[string]bool{
	TypeMockCcd:         true,
	TypeMockCooler:      true,
	TypeMockFilterWheel: true,
	TypeMockFocuser:     true,
	TypeASCIIFocuser:    true,
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ObjSetup holds the setup of one device.
type ObjSetup struct {
	// Name is how tasks refer to the device
	Name string `koanf:"name" yaml:"name"`

	// Type selects the driver, e.g. ascii-focuser
	Type string `koanf:"type" yaml:"type"`

	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 device on a serial cable
	Addr string `koanf:"addr" yaml:"addr,omitempty"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"serial" yaml:"serial,omitempty"`

	// Baud is the serial baud rate, 9600 if zero
	Baud int `koanf:"baud" yaml:"baud,omitempty"`

	// Limits are the software limits of motion devices
	Limits motion.Limiter `koanf:"limits" yaml:"limits,omitempty"`

	// Args holds driver specific arguments
	Args map[string]interface{} `koanf:"args" yaml:"args,omitempty"`
}

// Store selects the task table backend.
type Store struct {
	// Driver is memory or postgres
	Driver string `koanf:"driver" yaml:"driver"`
	URL    string `koanf:"url" yaml:"url,omitempty"`
}

// Recorder configures where images are written.
type Recorder struct {
	Root   string `koanf:"root" yaml:"root"`
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

// NATS configures the NATS notification sink, disabled if URL is empty.
type NATS struct {
	URL     string `koanf:"url" yaml:"url,omitempty"`
	Subject string `koanf:"subject" yaml:"subject"`
}

// MQTT configures the MQTT notification sink, disabled if Broker is empty.
type MQTT struct {
	Broker   string `koanf:"broker" yaml:"broker,omitempty"`
	Topic    string `koanf:"topic" yaml:"topic"`
	ClientID string `koanf:"clientid" yaml:"clientid"`
	QoS      byte   `koanf:"qos" yaml:"qos"`
}

// Notify groups the notification sinks.
type Notify struct {
	NATS NATS `koanf:"nats" yaml:"nats"`
	MQTT MQTT `koanf:"mqtt" yaml:"mqtt"`
}

// Tracing configures OpenTelemetry export, disabled if Endpoint is empty.
type Tracing struct {
	Endpoint    string `koanf:"endpoint" yaml:"endpoint,omitempty"`
	ServiceName string `koanf:"servicename" yaml:"servicename"`
}

// Config is the daemon configuration.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// LogLevel is a zap level name
	LogLevel string `koanf:"loglevel" yaml:"loglevel"`

	// Mock replaces every device by its simulation
	Mock bool `koanf:"mock" yaml:"mock"`

	Store    Store    `koanf:"store" yaml:"store"`
	Recorder Recorder `koanf:"recorder" yaml:"recorder"`
	Notify   Notify   `koanf:"notify" yaml:"notify"`
	Tracing  Tracing  `koanf:"tracing" yaml:"tracing"`

	// Devices is the list of devices to set up
	Devices []ObjSetup `koanf:"devices" yaml:"devices"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:     ":8000",
		LogLevel: "info",
		Store:    Store{Driver: "memory"},
		Recorder: Recorder{Root: "images", Prefix: "astro"},
		Notify: Notify{
			NATS: NATS{Subject: "astrotask.tasks"},
			MQTT: MQTT{Topic: "astrotask/tasks", ClientID: "astrotaskd", QoS: 1},
		},
		Tracing: Tracing{ServiceName: "astrotaskd"},
		Devices: []ObjSetup{},
	}
}

// Load layers the defaults, the YAML file at path and the environment.  A
// missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
				return Config{}, fmt.Errorf("error loading config: %w", err)
			}
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, err
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for mistakes that would only surface
// once a task runs.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("%w: postgres store needs a url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Recorder.Root == "" {
		return fmt.Errorf("%w: recorder root is empty", ErrInvalid)
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: device %d has no name", ErrInvalid, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate device name %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = true
		if !deviceTypes[strings.ToLower(d.Type)] {
			return fmt.Errorf("%w: device %q has unknown type %q", ErrInvalid, d.Name, d.Type)
		}
		if !c.Mock && strings.ToLower(d.Type) == TypeASCIIFocuser && d.Addr == "" {
			return fmt.Errorf("%w: device %q needs an address", ErrInvalid, d.Name)
		}
		if d.Limits.Min > d.Limits.Max {
			return fmt.Errorf("%w: device %q limits are inverted", ErrInvalid, d.Name)
		}
	}
	return nil
}

// Write encodes the configuration as YAML.
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
