package browser

import (
	"github.com/pkg/errors"
)

// Options controls browser behavior
type Options struct {
	Headless    bool
	ChromePath  string
	ChromeFlags []string
	Timeout     int // seconds
	Verbose     bool
}

// Option is a function that modifies Options
type Option func(*Options) error

// defaultOptions returns the default browser options
func defaultOptions() *Options {
	return &Options{
		Headless: true,
		Timeout:  180,
	}
}

// WithHeadless controls whether Chrome runs in headless mode
func WithHeadless(headless bool) Option {
	return func(o *Options) error {
		o.Headless = headless
		return nil
	}
}

// WithChromePath sets custom Chrome executable path
func WithChromePath(path string) Option {
	return func(o *Options) error {
		o.ChromePath = path
		return nil
	}
}

// WithChromeFlags adds custom Chrome command line flags
func WithChromeFlags(flags []string) Option {
	return func(o *Options) error {
		o.ChromeFlags = append(o.ChromeFlags, flags...)
		return nil
	}
}

// WithTimeout sets global timeout in seconds
func WithTimeout(timeout int) Option {
	return func(o *Options) error {
		if timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		o.Timeout = timeout
		return nil
	}
}

// WithVerbose enables verbose logging
func WithVerbose(verbose bool) Option {
	return func(o *Options) error {
		o.Verbose = verbose
		return nil
	}
}
