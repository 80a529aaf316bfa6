package gateway

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the client's startup parameters, spec §6 "CLI flags". The
// exact long-flag names are load-bearing: they are the contract a deployed
// device is driven by.
type Config struct {
	Address          string
	Port             int
	BootstrapAddress string
	BootstrapPort    int
	BootstrapPSK     string
	ServerAddress    string
	ServerPort       int
	ServerPSK        string
	Endpoint         string
	Lifetime         int
	Debug            bool

	// MetricsAddress is SPEC_FULL's addition: an optional
	// prometheus/client_golang HTTP listener, off when empty.
	MetricsAddress string
}

const (
	defaultPort          = 5683
	defaultBootstrapPort = 5683
	defaultServerPort    = 5683
	defaultLifetime      = 86400
)

// ParseConfig builds a Config from argv-style flags, an optional config
// file, and IG60_LWM2M_* environment variables, mirroring
// piwi3910-netweave's viper-driven config layer layered under pflag's exact
// flag set. Flags given on the command line take precedence over
// environment variables, which take precedence over the config file; flag
// defaults apply last.
func ParseConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("ig60-lwm2md", pflag.ContinueOnError)

	fs.String("address", "0.0.0.0", "local address to bind the CoAP endpoint")
	fs.Int("port", defaultPort, "local port to bind the CoAP endpoint")
	fs.String("bootstrap-address", "", "bootstrap server address")
	fs.Int("bootstrap-port", defaultBootstrapPort, "bootstrap server port")
	fs.String("bootstrap-psk", "", "bootstrap server PSK, hex-encoded")
	fs.String("server-address", "", "LwM2M server address")
	fs.Int("server-port", defaultServerPort, "LwM2M server port")
	fs.String("server-psk", "", "LwM2M server PSK, hex-encoded")
	fs.String("endpoint", "", "LwM2M endpoint client name")
	fs.Int("lifetime", defaultLifetime, "registration lifetime in seconds")
	fs.Bool("debug", false, "enable debug logging")
	fs.String("metrics-address", "", "optional address to serve Prometheus metrics on")
	fs.String("config", "", "optional config file path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("IG60_LWM2M")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if cfgFile, _ := fs.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		Address:          v.GetString("address"),
		Port:             v.GetInt("port"),
		BootstrapAddress: v.GetString("bootstrap-address"),
		BootstrapPort:    v.GetInt("bootstrap-port"),
		BootstrapPSK:     v.GetString("bootstrap-psk"),
		ServerAddress:    v.GetString("server-address"),
		ServerPort:       v.GetInt("server-port"),
		ServerPSK:        v.GetString("server-psk"),
		Endpoint:         v.GetString("endpoint"),
		Lifetime:         v.GetInt("lifetime"),
		Debug:            v.GetBool("debug"),
		MetricsAddress:   v.GetString("metrics-address"),
	}, nil
}
