package config

import "errors"

var (
	// ErrMissingAPIBaseURL indicates that the REST base URL is not configured
	ErrMissingAPIBaseURL = errors.New("apiBaseUrl is required in configuration")

	// ErrMissingAPIKey indicates that the public api key is not configured
	ErrMissingAPIKey = errors.New("apiKey is required in configuration")

	// ErrUnknownStorageDriver indicates an unsupported key-value store driver
	ErrUnknownStorageDriver = errors.New("storage.driver must be one of memory, sqlite, redis")

	// ErrMissingStoragePath indicates that the sqlite driver has no file path
	ErrMissingStoragePath = errors.New("storage.path is required for the sqlite driver")

	// ErrMissingRedisAddr indicates that the redis driver has no address
	ErrMissingRedisAddr = errors.New("storage.redisAddr is required for the redis driver")

	// ErrInvalidSessionKeyPattern indicates the credential key pattern does not compile
	ErrInvalidSessionKeyPattern = errors.New("sessionKeyPattern is not a valid regular expression")

	// ErrInvalidTiming indicates a non-positive timeout or interval
	ErrInvalidTiming = errors.New("timeouts and intervals must be positive")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file could not be decoded
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
