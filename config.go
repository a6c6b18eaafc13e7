package ircdd

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration. Values are resolved in
// increasing precedence: built-in defaults, then the optional YAML file
// named by --config, then explicitly set command-line flags.
type Config struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	NSQDTCPAddresses     []string `mapstructure:"nsqd_tcp_address"`
	LookupdHTTPAddresses []string `mapstructure:"lookupd_http_address"`

	DB      string `mapstructure:"db"`
	RDBHost string `mapstructure:"rdb_host"`
	RDBPort int    `mapstructure:"rdb_port"`

	UserOnRequest  bool `mapstructure:"user_on_request"`
	GroupOnRequest bool `mapstructure:"group_on_request"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SessionExpiry     time.Duration `mapstructure:"session_expiry"`

	Debug bool `mapstructure:"debug"`
}

// DefaultConfig returns the built-in defaults, suitable as-is for a
// single local node talking to local RethinkDB and nsqd instances.
func DefaultConfig() *Config {
	return &Config{
		Hostname:             "localhost",
		Port:                 5799,
		NSQDTCPAddresses:     []string{"localhost:4150"},
		LookupdHTTPAddresses: []string{"localhost:4161"},
		DB:                   "ircdd",
		RDBHost:              "localhost",
		RDBPort:              28015,
		UserOnRequest:        true,
		GroupOnRequest:       false,
		HeartbeatInterval:    30 * time.Second,
		SessionExpiry:        90 * time.Second,
	}
}

// RegisterFlags declares the configuration surface on flags. The values
// registered here are defaults only; LoadConfig applies the file and
// explicit-flag precedence on top.
func RegisterFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("hostname", def.Hostname, "realm identity and node id")
	flags.Int("port", def.Port, "IRC listen port")
	flags.StringSlice("nsqd_tcp_address", def.NSQDTCPAddresses, "nsqd TCP addresses for publishing")
	flags.StringSlice("lookupd_http_address", def.LookupdHTTPAddresses, "nsqlookupd HTTP addresses for discovery")
	flags.String("db", def.DB, "document store database name")
	flags.String("rdb_host", def.RDBHost, "document store host")
	flags.Int("rdb_port", def.RDBPort, "document store driver port")
	flags.Bool("user_on_request", def.UserOnRequest, "admit unknown nicks on login")
	flags.Bool("group_on_request", def.GroupOnRequest, "create missing groups on JOIN")
	flags.Duration("heartbeat_interval", def.HeartbeatInterval, "session and membership heartbeat period")
	flags.Duration("session_expiry", def.SessionExpiry, "age past which a heartbeat counts as dead")
	flags.Bool("debug", false, "log raw IRC traffic")
}

// LoadConfig resolves the configuration from parsed flags and the
// optional file they name.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("hostname", def.Hostname)
	v.SetDefault("port", def.Port)
	v.SetDefault("nsqd_tcp_address", def.NSQDTCPAddresses)
	v.SetDefault("lookupd_http_address", def.LookupdHTTPAddresses)
	v.SetDefault("db", def.DB)
	v.SetDefault("rdb_host", def.RDBHost)
	v.SetDefault("rdb_port", def.RDBPort)
	v.SetDefault("user_on_request", def.UserOnRequest)
	v.SetDefault("group_on_request", def.GroupOnRequest)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("session_expiry", def.SessionExpiry)
	v.SetDefault("debug", false)

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	// Only explicitly set flags override the file; viper's flag binding
	// would let flag defaults shadow file values, so bind by hand.
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		switch f.Value.Type() {
		case "int":
			val, _ := flags.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := flags.GetBool(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := flags.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := flags.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("hostname must not be empty")
	}
	if cfg.SessionExpiry < cfg.HeartbeatInterval {
		return nil, fmt.Errorf("session_expiry must be at least heartbeat_interval")
	}
	return &cfg, nil
}
