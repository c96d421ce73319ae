// Package config holds the YAML configuration shared by the remb commands.
// Values are layered: built-in defaults, then the YAML document, then any
// command line flag generated from the YAML path of a field.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/remb/pkg/remb"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "REMB"
)

type Config struct {
	LogLevel    string `yaml:"log_level,omitempty"`
	Development bool   `yaml:"development,omitempty"`

	Estimator    remb.EstimatorConfig `yaml:"estimator,omitempty"`
	Relay        remb.RelayConfig     `yaml:"relay,omitempty"`
	RTCP         RTCPConfig           `yaml:"rtcp,omitempty"`
	EventManager EventManagerConfig   `yaml:"event_manager,omitempty"`
	Prometheus   PrometheusConfig     `yaml:"prometheus,omitempty"`
	Simulation   SimulationConfig     `yaml:"simulation,omitempty"`
	HTTP         HTTPConfig           `yaml:"http,omitempty"`
}

type RTCPConfig struct {
	// Interval is how often the transport offers the estimator a chance to
	// send.
	Interval   time.Duration `yaml:"interval,omitempty"`
	SenderSSRC uint32        `yaml:"sender_ssrc,omitempty"`
}

type EventManagerConfig struct {
	// Enabled shares one EventManager between every connection, so limits
	// received downstream cap the estimates sent upstream.
	Enabled       bool          `yaml:"enabled,omitempty"`
	ClearInterval time.Duration `yaml:"clear_interval,omitempty"`
}

type PrometheusConfig struct {
	Listen    string `yaml:"listen,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

type CapacityStep struct {
	At       time.Duration `yaml:"at"`
	Capacity uint64        `yaml:"capacity"`
}

type SimulationConfig struct {
	Duration      time.Duration  `yaml:"duration,omitempty"`
	Capacity      uint64         `yaml:"capacity,omitempty"`
	CapacitySteps []CapacityStep `yaml:"capacity_steps,omitempty"`
	Loss          float64        `yaml:"loss,omitempty"`
	PacketSize    int            `yaml:"packet_size,omitempty"`
	Seed          uint64         `yaml:"seed,omitempty"`
	Realtime      bool           `yaml:"realtime,omitempty"`
	TracePath     string         `yaml:"trace_path,omitempty"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

var DefaultConfig = Config{
	LogLevel:  "info",
	Estimator: remb.DefaultEstimatorConfig(),
	Relay:     remb.DefaultRelayConfig(),
	RTCP: RTCPConfig{
		Interval: 500 * time.Millisecond,
	},
	EventManager: EventManagerConfig{
		ClearInterval: 10 * time.Second,
	},
	Prometheus: PrometheusConfig{
		Path:      "/metrics",
		Namespace: "remb",
	},
	Simulation: SimulationConfig{
		Duration:   time.Minute,
		Capacity:   1_000_000,
		PacketSize: 1200,
		Seed:       1,
	},
	HTTP: HTTPConfig{
		Listen: ":8080",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err := yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if conf.LogLevel == "" && conf.Development {
		conf.LogLevel = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate config")
	}
	return &conf, nil
}

// Validate rejects values no component can clamp on its own.
func (conf *Config) Validate() error {
	if conf.LogLevel != "" {
		if _, err := zapcore.ParseLevel(conf.LogLevel); err != nil {
			return err
		}
	}
	if conf.Prometheus.Path != "" && !strings.HasPrefix(conf.Prometheus.Path, "/") {
		return errors.Errorf("prometheus path %q must start with /", conf.Prometheus.Path)
	}
	if conf.Simulation.Loss < 0 || conf.Simulation.Loss > 1 {
		return errors.Errorf("simulation loss %v out of [0, 1]", conf.Simulation.Loss)
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and Development.
func (conf *Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if conf.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if conf.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(conf.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

// ReadConfigString returns inConfigBody, or the content of configFile when
// the body is empty.
func ReadConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

var durationType = reflect.TypeOf(time.Duration(0))

// ToCLIFlagNames maps the dotted YAML path of every scalar field to its
// value, skipping names already used by existingFlags.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			field := currNode.TypeNode.Type().Field(i)
			yamlTag := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
			if yamlTag == "" || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags returns one flag per scalar config field, named by its
// YAML path and bound to a REMB_* environment variable.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		envVar := fmt.Sprintf("%s_%s", envPrefix,
			strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name)))

		var flag cli.Flag
		if value.Type() == durationType {
			flags = append(flags, &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			})
			continue
		}

		switch value.Kind() {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			continue
		default:
			return flags, errors.Errorf("cli flag generation unsupported for config type: %s is a %s", name, value.Kind())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]
		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		if configValue.Type() == durationType {
			configValue.SetInt(int64(c.Duration(flagName)))
			continue
		}

		switch configValue.Kind() {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return errors.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, configValue.Kind())
		}
	}

	if c.IsSet("log-level") {
		conf.LogLevel = c.String("log-level")
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("prometheus-listen") {
		conf.Prometheus.Listen = c.String("prometheus-listen")
	}
	return nil
}
