// Package config loads the driver's connect defaults and timeouts from a
// YAML file, the way the rest of this codebase's components are
// configured, with fsnotify-driven hot reload for operators who want to
// adjust timeouts without restarting the process that embeds the driver.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one pgsql driver instance.
type Config struct {
	Connect  ConnectConfig `yaml:"connect"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// ConnectConfig is the PostgreSQL key=value connect string, broken out
// field by field in YAML for operator readability and reassembled by
// ConnString into the opaque string pgconn.Init expects.
type ConnectConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConnString reassembles the fields above into the connect string the
// driver's init() parses. host, dbname and user are always included;
// port only when non-zero, password only when non-empty.
func (c ConnectConfig) ConnString() string {
	s := fmt.Sprintf("host=%s dbname=%s user=%s", c.Host, c.DBName, c.Username)
	if c.Port != 0 {
		s += fmt.Sprintf(" port=%d", c.Port)
	}
	if c.Password != "" {
		s += fmt.Sprintf(" password='%s'", escapeConnStringValue(c.Password))
	}
	return s
}

func escapeConnStringValue(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' || v[i] == '\'' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(out)
}

// Redacted returns a copy of ConnectConfig with the password masked, for
// safe logging.
func (c ConnectConfig) Redacted() ConnectConfig {
	r := c
	if r.Password != "" {
		r.Password = "***REDACTED***"
	}
	return r
}

// TimeoutConfig holds the two deadlines spec.md names: connect and query.
type TimeoutConfig struct {
	ConnectSecs int `yaml:"connect_secs"`
	QuerySecs   int `yaml:"query_secs"`
}

// BackoffConfig configures the watchdog's reconnect backoff schedule.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving the pattern untouched if the variable is unset
// (the same behavior as the teacher's config loader).
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Connect.Port == 0 {
		cfg.Connect.Port = 5432
	}
	if cfg.Timeouts.ConnectSecs == 0 {
		cfg.Timeouts.ConnectSecs = 10
	}
	if cfg.Timeouts.QuerySecs == 0 {
		cfg.Timeouts.QuerySecs = 30
	}
	if cfg.Backoff.InitialInterval == 0 {
		cfg.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Backoff.MaxInterval == 0 {
		cfg.Backoff.MaxInterval = 30 * time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2.0
	}
}

func validate(cfg *Config) error {
	if cfg.Connect.Host == "" {
		return fmt.Errorf("connect.host is required")
	}
	if cfg.Connect.DBName == "" {
		return fmt.Errorf("connect.dbname is required")
	}
	if cfg.Connect.Username == "" {
		return fmt.Errorf("connect.username is required")
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1, got %v", cfg.Backoff.Multiplier)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the reloaded config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
