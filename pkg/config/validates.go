package config

import (
	"net/url"

	"github.com/astromechza/automerge-relay/pkg/logging"
)

func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigIsNil
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Persistence.Validate(); err != nil {
		return err
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Callback.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

func (c *PersistenceConfig) Validate() error {
	if c.CompactionThreshold <= 0 {
		return ErrInvalidThreshold
	}
	return nil
}

func (c *ConnectionConfig) Validate() error {
	if c.PingInterval <= 0 {
		return ErrInvalidPingInterval
	}

	if c.SendBuffer <= 0 {
		return ErrInvalidSendBuffer
	}
	return nil
}

func (c *CallbackConfig) Validate() error {
	if c.URL == "" {
		return nil
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidCallbackURL
	}

	if c.MaxWait < c.Wait {
		return ErrInvalidDebounce
	}
	return nil
}

func (c *LogConfig) Validate() error {
	if _, ok := logging.ParseLevel(c.Level); !ok {
		return ErrUnknownLogLevel
	}

	if c.Format != "text" && c.Format != "json" {
		return ErrUnknownLogFormat
	}
	return nil
}
