package config

import "errors"

// Sentinel errors exposed for errors.Is checks at the call site.
var (
	// ErrInvalidConfig marks a configuration that loaded but failed
	// validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig marks a failure reading or decoding a config source.
	ErrLoadConfig = errors.New("load config failed")
)
