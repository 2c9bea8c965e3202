// Package config loads endpoint settings from the environment, config files
// and command-line flags.
package config

import (
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Env holds the settings an endpoint reads straight from the environment.
type Env struct {
	// Connection is the broker URL. ENV: AMQP_CONNECTION
	Connection string `env:"AMQP_CONNECTION"`
	// Exchange is the topic exchange. ENV: AMQP_EXCHANGE
	Exchange string `env:"AMQP_EXCHANGE"`
	// RequestTopic is the routing key requests arrive under. ENV: AMQP_REQUEST_TOPIC
	RequestTopic string `env:"AMQP_REQUEST_TOPIC"`
	// ResponseTopic is the routing key responses are sent under. ENV: AMQP_RESPONSE_TOPIC
	ResponseTopic string `env:"AMQP_RESPONSE_TOPIC"`
	// Queue overrides the default queue name. ENV: AMQP_QUEUE
	Queue string `env:"AMQP_QUEUE"`
	// Reconnect enables reconnecting after connection loss. ENV: AMQP_RECONNECT
	Reconnect bool `env:"AMQP_RECONNECT,default=true"`
}

// FromEnv decodes Env from the process environment. Unset variables leave
// their fields at the tag default.
func FromEnv() (Env, error) {
	cfg := Env{Reconnect: true}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, fmt.Errorf("config: decode environment: %w", err)
	}
	return cfg, nil
}
