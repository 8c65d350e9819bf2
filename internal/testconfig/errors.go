package testconfig

import "fmt"

// ConfigError reports a malformed or inconsistent test configuration. It is
// fatal: nothing is scheduled when the configuration does not load.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "test config: " + e.Msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
