/*
config.go - Runtime configuration

PURPOSE:
  Loads settings from, in increasing priority: built-in defaults, an
  optional YAML file (-config), config/.env.<env> and the process
  environment (prefix ATTENDANCE_, dots become underscores).

ENVIRONMENT SELECTION:
  ENV picks the dotenv file: DEV (default), TEST, QA, PROD map to
  config/.env.dev, config/.env.test, ... A missing file is not an error.

EXAMPLES:
  ATTENDANCE_STORE_BACKEND=gsheets
  ATTENDANCE_STORE_SPREADSHEET_ID=1AbC...
  ATTENDANCE_BRANCH_PASSWORDS_BZ='$2a$10$...'
  ATTENDANCE_BRANCHES='MB=Menzel Bourguiba;BZ=Bizerte'

SEE ALSO:
  - cmd/server/main.go: consumes Config
*/
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Backend names accepted by store.backend.
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendGSheets = "gsheets"
)

// Branch is one training center.
type Branch struct {
	Code string `mapstructure:"code" json:"code"`
	Name string `mapstructure:"name" json:"name"`
}

// DefaultBranches are used when none are configured.
var DefaultBranches = []Branch{
	{Code: "MB", Name: "Menzel Bourguiba"},
	{Code: "BZ", Name: "Bizerte"},
}

type Server struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Store struct {
	Backend         string
	SQLitePath      string
	SpreadsheetID   string
	CredentialsFile string
	Attempts        int
	InitialBackoff  time.Duration
	StructureTTL    time.Duration
	DataTTL         time.Duration

	// SchemaCheckInterval is how often headers are re-checked; 0 disables.
	SchemaCheckInterval time.Duration
}

type Auth struct {
	Secret   string
	TokenTTL time.Duration

	// Passwords maps branch code to a bcrypt hash or a plain secret.
	Passwords map[string]string
}

type Messaging struct {
	BaseURL     string
	CountryCode string
	ExamSession string
}

// Config is the whole runtime configuration.
type Config struct {
	Env         string
	Debug       bool
	LogLevel    string
	Server      Server
	Store       Store
	Auth        Auth
	Messaging   Messaging
	Branches    []Branch
	CORSOrigins []string
}

// Options controls where Load looks.
type Options struct {
	// File is an optional YAML config file.
	File string
	// Dir holds the config/ directory with the dotenv files. Defaults to
	// the working directory.
	Dir string
	// Env overrides the ENV variable.
	Env string
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "attendance.db")
	v.SetDefault("store.spreadsheet_id", "")
	v.SetDefault("store.credentials_file", "credentials.json")
	v.SetDefault("store.attempts", 4)
	v.SetDefault("store.initial_backoff", 350*time.Millisecond)
	v.SetDefault("store.structure_ttl", 2*time.Minute)
	v.SetDefault("store.data_ttl", 5*time.Minute)
	v.SetDefault("store.schema_check_interval", 30*time.Minute)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("messaging.base_url", "https://wa.me")
	v.SetDefault("messaging.country_code", "216")
	v.SetDefault("messaging.exam_session", "أوت")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
}

// Load reads the configuration and validates it.
func Load(opts Options) (Config, error) {
	env := opts.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "DEV"
	}
	env = strings.ToUpper(env)

	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, errors.Wrap(err, "config: getwd")
		}
		dir = wd
	}
	dotEnvPath := filepath.Join(dir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return Config{}, errors.Wrapf(err, "config: load %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "config: stat %s", dotEnvPath)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ATTENDANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", opts.File)
		}
	}

	branches, err := branchesFrom(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:      env,
		Debug:    v.GetBool("debug"),
		LogLevel: v.GetString("log.level"),
		Server: Server{
			Addr:         v.GetString("server.addr"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Store: Store{
			Backend:         strings.ToLower(v.GetString("store.backend")),
			SQLitePath:      v.GetString("store.sqlite_path"),
			SpreadsheetID:   v.GetString("store.spreadsheet_id"),
			CredentialsFile: v.GetString("store.credentials_file"),
			Attempts:        v.GetInt("store.attempts"),
			InitialBackoff:  v.GetDuration("store.initial_backoff"),
			StructureTTL:    v.GetDuration("store.structure_ttl"),
			DataTTL:         v.GetDuration("store.data_ttl"),

			SchemaCheckInterval: v.GetDuration("store.schema_check_interval"),
		},
		Auth: Auth{
			Secret:    v.GetString("auth.secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
			Passwords: map[string]string{},
		},
		Messaging: Messaging{
			BaseURL:     v.GetString("messaging.base_url"),
			CountryCode: v.GetString("messaging.country_code"),
			ExamSession: v.GetString("messaging.exam_session"),
		},
		Branches:    branches,
		CORSOrigins: v.GetStringSlice("cors.allowed_origins"),
	}
	for _, b := range branches {
		if pw := v.GetString("branch_passwords." + strings.ToLower(b.Code)); pw != "" {
			cfg.Auth.Passwords[b.Code] = pw
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// branchesFrom accepts either a YAML list of {code, name} or the
// "CODE=Name;CODE=Name" form used in environment variables.
func branchesFrom(v *viper.Viper) ([]Branch, error) {
	if !v.IsSet("branches") {
		return append([]Branch(nil), DefaultBranches...), nil
	}
	if raw, ok := v.Get("branches").(string); ok {
		return ParseBranches(raw)
	}
	var out []Branch
	if err := v.UnmarshalKey("branches", &out); err != nil {
		return nil, errors.Wrap(err, "config: branches")
	}
	return out, nil
}

// ParseBranches parses "MB=Menzel Bourguiba;BZ=Bizerte".
func ParseBranches(raw string) ([]Branch, error) {
	var out []Branch
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, name, ok := strings.Cut(part, "=")
		code, name = strings.TrimSpace(code), strings.TrimSpace(name)
		if !ok || code == "" || name == "" {
			return nil, errors.Errorf("config: bad branch %q, want CODE=Name", part)
		}
		out = append(out, Branch{Code: code, Name: name})
	}
	return out, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendGSheets:
		if c.Store.SpreadsheetID == "" {
			return errors.New("config: store.spreadsheet_id is required for the gsheets backend")
		}
	default:
		return errors.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Attempts < 1 {
		return errors.Errorf("config: store.attempts must be >= 1, got %d", c.Store.Attempts)
	}
	if len(c.Branches) == 0 {
		return errors.New("config: at least one branch is required")
	}
	seen := map[string]bool{}
	for _, b := range c.Branches {
		if seen[b.Code] {
			return errors.Errorf("config: duplicate branch code %q", b.Code)
		}
		seen[b.Code] = true
	}
	if c.Env == "PROD" && c.Auth.Secret == "" {
		return errors.New("config: auth.secret is required in PROD")
	}
	return nil
}

// BranchNames maps branch code to display name.
func (c Config) BranchNames() map[string]string {
	m := make(map[string]string, len(c.Branches))
	for _, b := range c.Branches {
		m[b.Code] = b.Name
	}
	return m
}
