package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInputs is returned when a batch is submitted without files.
	ErrNoInputs = errors.New("no files to process")
	// ErrFileTooLarge marks an upload rejected by the size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// ConfigError reports a setting the service cannot run without.
type ConfigError struct {
	Setting string
	Remedy  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "configuration error: " + e.Setting
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Remedy != "" {
		msg += ". " + e.Remedy
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func tokenError(err error) *ConfigError {
	return &ConfigError{
		Setting: "YANDEX_DISK_TOKEN",
		Remedy:  "Set a valid Yandex Disk OAuth token in the environment or the .env file and restart the server",
		Err:     err,
	}
}
