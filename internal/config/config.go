// Package config loads and validates vizzly configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// StringList accepts either a single string or a list of strings in JSON.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("expected a string or a list of strings")
	}
	*s = StringList(many)
	return nil
}

// ServerConfig controls the local comparison server.
type ServerConfig struct {
	Port    int `json:"port"`
	Timeout int `json:"timeout"` // per-request timeout in milliseconds
}

// BuildConfig controls build metadata sent to the remote API.
type BuildConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

// UploadConfig controls the uploader.
type UploadConfig struct {
	ScreenshotsDir StringList `json:"screenshotsDir"`
	BatchSize      int        `json:"batchSize"`
	Timeout        int        `json:"timeout"` // per-request timeout in milliseconds
}

// ComparisonConfig controls the comparison kernel.
type ComparisonConfig struct {
	Threshold      float64 `json:"threshold"`
	MinClusterSize int     `json:"minClusterSize"`
}

// TDDConfig controls local TDD mode behavior.
type TDDConfig struct {
	OpenReport bool `json:"openReport"`
}

// Config is the full configuration tree. Plugin-specific keys are kept
// opaque under Extra.
type Config struct {
	Server              ServerConfig               `json:"server"`
	Build               BuildConfig                `json:"build"`
	Upload              UploadConfig               `json:"upload"`
	Comparison          ComparisonConfig           `json:"comparison"`
	TDD                 TDDConfig                  `json:"tdd"`
	SignatureProperties []string                   `json:"signatureProperties"`
	Plugins             []string                   `json:"plugins"`
	APIURL              string                     `json:"apiUrl,omitempty"`
	Token               string                     `json:"-"`
	Extra               map[string]json.RawMessage `json:"-"`

	mu sync.Mutex
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		Server:              ServerConfig{Port: 47392, Timeout: 30000},
		Build:               BuildConfig{Name: "Build {timestamp}", Environment: "test"},
		Upload:              UploadConfig{ScreenshotsDir: StringList{"./screenshots"}, BatchSize: 10, Timeout: 30000},
		Comparison:          ComparisonConfig{Threshold: 2.0, MinClusterSize: 2},
		TDD:                 TDDConfig{OpenReport: false},
		SignatureProperties: []string{},
		Plugins:             []string{},
		APIURL:              "https://api.vizzly.dev",
		Extra:               map[string]json.RawMessage{},
	}
}

// knownKeys are top-level keys handled by the typed schema; everything else
// is preserved verbatim for plugins.
var knownKeys = map[string]bool{
	"server": true, "build": true, "upload": true, "comparison": true,
	"tdd": true, "signatureProperties": true, "plugins": true, "apiUrl": true,
}

// Load reads configuration from an optional JSON file, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env files are a convenience for local development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "reading config file")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return vzerrors.Wrap(err, vzerrors.ValidationError, "config file is not valid JSON")
	}

	// Decode known keys over the defaults, stash the rest.
	if err := json.Unmarshal(data, c); err != nil {
		return vzerrors.Wrap(err, vzerrors.ValidationError, "config file does not match schema")
	}
	for k, v := range raw {
		if !knownKeys[k] {
			c.Extra[k] = v
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VIZZLY_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("VIZZLY_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("VIZZLY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
}

// Validate checks the configuration against the documented schema.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return vzerrors.NewValidationError("server.port", "must be between 1 and 65535")
	}
	if c.Server.Timeout <= 0 {
		return vzerrors.NewValidationError("server.timeout", "must be positive")
	}
	if c.Upload.BatchSize <= 0 {
		return vzerrors.NewValidationError("upload.batchSize", "must be positive")
	}
	if c.Upload.Timeout <= 0 {
		return vzerrors.NewValidationError("upload.timeout", "must be positive")
	}
	if c.Comparison.Threshold < 0 {
		return vzerrors.NewValidationError("comparison.threshold", "must be >= 0")
	}
	if c.Comparison.MinClusterSize < 1 {
		return vzerrors.NewValidationError("comparison.minClusterSize", "must be >= 1")
	}
	if len(c.Upload.ScreenshotsDir) == 0 {
		return vzerrors.NewValidationError("upload.screenshotsDir", "must not be empty")
	}
	return nil
}

// ServerTimeout returns the per-request server timeout as a duration.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.Timeout) * time.Millisecond
}

// UploadTimeout returns the per-request upload timeout as a duration.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.Timeout) * time.Millisecond
}

// BuildName substitutes {timestamp} in the configured build name.
func (c *Config) BuildName(now time.Time) string {
	return strings.ReplaceAll(c.Build.Name, "{timestamp}", now.Format("2006-01-02 15:04:05"))
}

// Scopes that may be updated through the server's config endpoint.
var updatableScopes = map[string]bool{
	"server": true, "build": true, "upload": true, "comparison": true, "tdd": true,
}

// UpdateScope applies a JSON patch to one configuration scope under the
// in-process lock, validating the result before committing it.
func (c *Config) UpdateScope(scope string, patch json.RawMessage) error {
	if !updatableScopes[scope] {
		return vzerrors.NewValidationError("scope", "unknown config scope: "+scope)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	trial := &Config{
		Server:              c.Server,
		Build:               c.Build,
		Upload:              c.Upload,
		Comparison:          c.Comparison,
		TDD:                 c.TDD,
		SignatureProperties: c.SignatureProperties,
		Plugins:             c.Plugins,
		APIURL:              c.APIURL,
	}
	var target interface{}
	switch scope {
	case "server":
		target = &trial.Server
	case "build":
		target = &trial.Build
	case "upload":
		target = &trial.Upload
	case "comparison":
		target = &trial.Comparison
	case "tdd":
		target = &trial.TDD
	}
	if err := json.Unmarshal(patch, target); err != nil {
		return vzerrors.Wrap(err, vzerrors.ValidationError, "config patch does not match schema")
	}
	if err := trial.Validate(); err != nil {
		return err
	}

	switch scope {
	case "server":
		c.Server = trial.Server
	case "build":
		c.Build = trial.Build
	case "upload":
		c.Upload = trial.Upload
	case "comparison":
		c.Comparison = trial.Comparison
	case "tdd":
		c.TDD = trial.TDD
	}
	return nil
}

// Scope returns one configuration scope for reads.
func (c *Config) Scope(scope string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch scope {
	case "server":
		return c.Server, nil
	case "build":
		return c.Build, nil
	case "upload":
		return c.Upload, nil
	case "comparison":
		return c.Comparison, nil
	case "tdd":
		return c.TDD, nil
	}
	return nil, vzerrors.NewValidationError("scope", "unknown config scope: "+scope)
}

// globalConfig mirrors <home>/.vizzly/config.json.
type globalConfig struct {
	Auth struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    string `json:"expiresAt"`
		User         string `json:"user"`
	} `json:"auth"`
	Projects map[string]struct {
		ProjectSlug      string `json:"projectSlug"`
		OrganizationSlug string `json:"organizationSlug"`
		Token            string `json:"token,omitempty"`
	} `json:"projects"`
}

// ResolveToken returns the API token for a project directory. Resolution
// order: explicit flag value, VIZZLY_TOKEN, the project entry in the global
// config, the global access token.
func ResolveToken(flagToken, projectDir string) string {
	if flagToken != "" {
		return flagToken
	}
	if v := os.Getenv("VIZZLY_TOKEN"); v != "" {
		return v
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".vizzly", "config.json"))
	if err != nil {
		return ""
	}
	var gc globalConfig
	if err := json.Unmarshal(data, &gc); err != nil {
		return ""
	}

	if abs, err := filepath.Abs(projectDir); err == nil {
		if p, ok := gc.Projects[abs]; ok && p.Token != "" {
			return p.Token
		}
	}
	return gc.Auth.AccessToken
}
