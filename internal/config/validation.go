package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every problem so they can be reported at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Err returns nil or one error listing every problem.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, err.Error())
	}
	return fmt.Errorf("%s", sb.String())
}

func (v *Validator) Required(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required but not set")
	}
}

// URL accepts an empty value; pair with Required when it is mandatory.
func (v *Validator) URL(key, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
		return
	}
	if parsed.Host == "" {
		v.AddError(key, "URL must include a host")
	}
}

// ListenAddr checks a "host:port" or ":port" address.
func (v *Validator) ListenAddr(key, value string) {
	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("must be host:port (%v)", err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 0 and 65535")
	}
}

func (v *Validator) Enum(key, value string, allowed ...string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) PositiveInt(key string, value int) {
	if value <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

// Duration parses value; when positive is set, zero is rejected too.
func (v *Validator) Duration(key, value string, positive bool) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g. 90s, 10m, 24h)")
		return 0
	}
	if d < 0 || (positive && d == 0) {
		v.AddError(key, "must be a positive duration")
		return 0
	}
	return d
}

// Bytes parses a size such as "512MiB" or "10GB".
func (v *Validator) Bytes(key, value string) int64 {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("must be a size such as 512MiB (%v)", err))
		return 0
	}
	if n == 0 || n > 1<<62 {
		v.AddError(key, "must be a positive size")
		return 0
	}
	return int64(n)
}
