package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the variables viper reads, e.g. AMQP_ENDPOINT_EXCHANGE.
const EnvPrefix = "AMQP_ENDPOINT"

// Config is the configuration of the amqp-endpoint command.
type Config struct {
	Connection     string              `mapstructure:"connection"`
	Exchange       string              `mapstructure:"exchange"`
	RequestTopic   string              `mapstructure:"request_topic"`
	ResponseTopic  string              `mapstructure:"response_topic"`
	Queue          string              `mapstructure:"queue"`
	Reconnect      bool                `mapstructure:"reconnect"`
	ReconnectDelay time.Duration       `mapstructure:"reconnect_delay"`
	Handler        string              `mapstructure:"handler"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// SetDefaults seeds v. Broker settings fall back to the plain AMQP_*
// variables so the command and the library agree on them.
func SetDefaults(v *viper.Viper, env Env) {
	v.SetDefault("connection", env.Connection)
	v.SetDefault("exchange", env.Exchange)
	v.SetDefault("request_topic", env.RequestTopic)
	v.SetDefault("response_topic", env.ResponseTopic)
	v.SetDefault("queue", env.Queue)
	v.SetDefault("reconnect", env.Reconnect)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("handler", "echo")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.service_name", "amqp-endpoint")
	v.SetDefault("observability.service_version", "dev")
}

// BindBrokerFlags binds the flags shared by every command.
func BindBrokerFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("config", "", "config file path")
	f.String("url", "", "broker URL (default $AMQP_CONNECTION)")
	f.String("exchange", "", "topic exchange name")
	f.String("request-topic", "", "routing key requests are published under")
	f.String("response-topic", "", "routing key responses are published under")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("connection", f.Lookup("url"))
	_ = v.BindPFlag("exchange", f.Lookup("exchange"))
	_ = v.BindPFlag("request_topic", f.Lookup("request-topic"))
	_ = v.BindPFlag("response_topic", f.Lookup("response-topic"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// BindServeFlags binds the flags of the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("queue", "", "queue name (default <exchange>.<request-topic>)")
	f.Bool("reconnect", true, "reconnect after losing the broker")
	f.Duration("reconnect-delay", 0, "wait between reconnect attempts")
	f.String("handler", "", "built-in handler (echo, calc)")
	f.String("metrics-addr", "", "metrics and health HTTP listen address")
	f.String("otlp-endpoint", "", "OTLP/HTTP trace collector (host:port)")

	_ = v.BindPFlag("queue", f.Lookup("queue"))
	_ = v.BindPFlag("reconnect", f.Lookup("reconnect"))
	_ = v.BindPFlag("reconnect_delay", f.Lookup("reconnect-delay"))
	_ = v.BindPFlag("handler", f.Lookup("handler"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("observability.otlp_endpoint", f.Lookup("otlp-endpoint"))
}

// Load reads config from flags, env and file, returning the merged Config.
// A missing config file is only an error when configFile names it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	env, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	SetDefaults(v, env)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("amqp-endpoint")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/amqp-endpoint")
		v.AddConfigPath("/etc/amqp-endpoint")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
