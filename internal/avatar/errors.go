package avatar

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration       = errors.New("avatar configuration error")
	ErrUnsupportedProvider = errors.New("unsupported avatar provider")
	ErrNotFound            = errors.New("avatar not found")
	ErrProviderStart       = errors.New("avatar provider failed to start")
	ErrAlreadyActive       = errors.New("avatar already active")
	ErrProviderPanic       = errors.New("avatar provider panicked")

	// Programming errors returned by Provider.Start.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrProviderReused  = errors.New("avatar provider instance already used")
)

// ConfigurationError reports a record that cannot be turned into a provider.
type ConfigurationError struct {
	Provider ProviderType
	Missing  []string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrConfiguration.Error())
	if e.Provider != "" {
		fmt.Fprintf(&b, " (%s)", e.Provider)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required keys %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// UnsupportedProviderError is returned for provider tags with no registered backend.
type UnsupportedProviderError struct {
	Provider  ProviderType
	Supported []ProviderType
}

func (e *UnsupportedProviderError) Error() string {
	names := make([]string, 0, len(e.Supported))
	for _, p := range e.Supported {
		names = append(names, string(p))
	}
	return fmt.Sprintf("%s %q (supported: %s)", ErrUnsupportedProvider, e.Provider, strings.Join(names, ", "))
}

func (e *UnsupportedProviderError) Is(target error) bool { return target == ErrUnsupportedProvider }

// NotFoundError names an avatar that is absent from the configuration.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("avatar %q not found", e.Name) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ProviderStartError wraps a backend side rejection (bad credentials, quota,
// unreachable service).
type ProviderStartError struct {
	Provider ProviderType
	Err      error
}

func (e *ProviderStartError) Error() string {
	return fmt.Sprintf("%s avatar failed to start: %v", e.Provider, e.Err)
}

func (e *ProviderStartError) Unwrap() error { return e.Err }

func (e *ProviderStartError) Is(target error) bool { return target == ErrProviderStart }

// AlreadyActiveError is returned when Start is called while a provider is live.
type AlreadyActiveError struct {
	Active ProviderType
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("%s: %s provider must be stopped first", ErrAlreadyActive, e.Active)
}

func (e *AlreadyActiveError) Is(target error) bool { return target == ErrAlreadyActive }
