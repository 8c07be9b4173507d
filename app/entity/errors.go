package entity

import "errors"

var ErrConfiguration = errors.New("mailer configuration error")

// ConfigurationError is raised synchronously, before any network attempt.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Is lets callers match any configuration problem with errors.Is(err, ErrConfiguration).
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
