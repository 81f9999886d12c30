package config

import "errors"

var ErrInvalidPort = errors.New("invalid port")
var ErrInvalidThreshold = errors.New("compaction threshold must be positive")
var ErrInvalidPingInterval = errors.New("ping interval must be positive")
var ErrInvalidSendBuffer = errors.New("send buffer must be positive")
var ErrInvalidCallbackURL = errors.New("invalid callback url")
var ErrInvalidDebounce = errors.New("debounce max wait must not be shorter than wait")
var ErrUnknownLogLevel = errors.New("unknown log level")
var ErrUnknownLogFormat = errors.New("unknown log format")
var ErrConfigIsNil = errors.New("config is nil")
