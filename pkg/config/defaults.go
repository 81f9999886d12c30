package config

import "time"

var defaultServer = ServerConfig{
	Host: "0.0.0.0",
	Port: 1234,
}

var defaultPersistence = PersistenceConfig{
	CompactionThreshold: 500,
}

var defaultConnection = ConnectionConfig{
	PingInterval: 30 * time.Second,
	SendBuffer:   256,
}

var defaultCallback = CallbackConfig{
	Wait:    2 * time.Second,
	MaxWait: 10 * time.Second,
	Timeout: 5 * time.Second,
	Retries: 3,
}

var defaultAwareness = AwarenessConfig{
	OutdatedTimeout: 30 * time.Second,
}

var defaultLog = LogConfig{
	Level:  "info",
	Format: "text",
}

func Default() *Config {
	return &Config{
		Server:      defaultServer,
		Persistence: defaultPersistence,
		Connection:  defaultConnection,
		Callback:    defaultCallback,
		Awareness:   defaultAwareness,
		Log:         defaultLog,
	}
}

func (c *ServerConfig) PopulateDefaults() {
	if c.Host == "" {
		c.Host = defaultServer.Host
	}

	if c.Port == 0 {
		c.Port = defaultServer.Port
	}
}

func (c *PersistenceConfig) PopulateDefaults() {
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = defaultPersistence.CompactionThreshold
	}
}

func (c *ConnectionConfig) PopulateDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = defaultConnection.PingInterval
	}

	if c.SendBuffer == 0 {
		c.SendBuffer = defaultConnection.SendBuffer
	}
}

func (c *CallbackConfig) PopulateDefaults() {
	if c.Wait == 0 {
		c.Wait = defaultCallback.Wait
	}

	if c.MaxWait == 0 {
		c.MaxWait = defaultCallback.MaxWait
	}

	if c.Timeout == 0 {
		c.Timeout = defaultCallback.Timeout
	}

	if c.Retries == 0 {
		c.Retries = defaultCallback.Retries
	}
}

func (c *AwarenessConfig) PopulateDefaults() {
	if c.OutdatedTimeout == 0 {
		c.OutdatedTimeout = defaultAwareness.OutdatedTimeout
	}
}

func (c *LogConfig) PopulateDefaults() {
	if c.Level == "" {
		c.Level = defaultLog.Level
	}

	if c.Format == "" {
		c.Format = defaultLog.Format
	}
}

func (c *Config) PopulateDefaults() {
	c.Server.PopulateDefaults()
	c.Persistence.PopulateDefaults()
	c.Connection.PopulateDefaults()
	c.Callback.PopulateDefaults()
	c.Awareness.PopulateDefaults()
	c.Log.PopulateDefaults()
}
