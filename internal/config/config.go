// Package config loads the YAML configuration file with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subimport/internal/model"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvLogLevel  = "LOG_LEVEL"
	EnvStorePath = "SUBIMPORT_STORE_PATH"
	EnvProxy     = "SUBIMPORT_PROXY"
	EnvListen    = "SUBIMPORT_LISTEN"
)

type Config struct {
	Listen        string         `yaml:"listen"`
	Log           LogConfig      `yaml:"log"`
	Store         StoreConfig    `yaml:"store"`
	Fetch         FetchConfig    `yaml:"fetch"`
	Concurrency   int            `yaml:"concurrency"`
	Schedule      ScheduleConfig `yaml:"schedule"`
	Subscriptions []model.Source `yaml:"subscriptions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // logrus level name
	Format string `yaml:"format"` // text|json
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // json|pebble|memory
	Path   string `yaml:"path"`
}

type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	Proxy     string        `yaml:"proxy"`
	UserAgent string        `yaml:"user_agent"`
	// Rate is the number of fetches started per second across all sources;
	// 0 disables pacing.
	Rate float64 `yaml:"rate"`
}

type ScheduleConfig struct {
	// Interval between scheduled runs of every subscription; 0 disables.
	Interval time.Duration `yaml:"interval"`
}

type Error struct {
	AppError model.AppError
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(path, code, msg, hint string, cause error) *Error {
	return &Error{
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   "config",
			URL:     path,
			Hint:    hint,
		},
		Cause: cause,
	}
}

// Load reads the optional .env file in the working directory, decodes path
// (an empty path means defaults only), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, newError(".env", "CONFIG_INVALID", ".env 文件解析失败", "", err)
	}

	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, newError(path, "CONFIG_READ_FAILED", "读取配置文件失败", "", err)
		}
		if err := decode(data, c); err != nil {
			return nil, newError(path, "CONFIG_INVALID", "配置文件格式不合法", "unknown keys are rejected", err)
		}
	}
	c.applyEnv()
	c.withDefaults()
	if err := c.Validate(); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.AppError.URL = path
		}
		return nil, err
	}
	return c, nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorePath)); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvProxy)); v != "" {
		c.Fetch.Proxy = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
}

func (c *Config) withDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "json"
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case "pebble":
			c.Store.Path = "./data/servers.db"
		default:
			c.Store.Path = "./data/servers.json"
		}
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 15 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 5 * 1024 * 1024
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	for i := range c.Subscriptions {
		c.Subscriptions[i].Name = strings.TrimSpace(c.Subscriptions[i].Name)
		c.Subscriptions[i].URL = strings.TrimSpace(c.Subscriptions[i].URL)
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	invalid := func(field, msg string) error {
		return newError("", "CONFIG_INVALID", fmt.Sprintf("%s: %s", field, msg), "", nil)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", "仅支持 text 或 json")
	}
	switch c.Store.Driver {
	case "json", "pebble", "memory":
	default:
		return invalid("store.driver", "仅支持 json、pebble 或 memory")
	}
	if c.Fetch.Timeout < 0 {
		return invalid("fetch.timeout", "不能为负数")
	}
	if c.Fetch.MaxBytes < 0 {
		return invalid("fetch.max_bytes", "不能为负数")
	}
	if c.Fetch.Rate < 0 {
		return invalid("fetch.rate", "不能为负数")
	}
	if c.Concurrency < 0 {
		return invalid("concurrency", "不能为负数")
	}
	if c.Schedule.Interval < 0 {
		return invalid("schedule.interval", "不能为负数")
	}

	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		field := fmt.Sprintf("subscriptions[%d]", i)
		if s.Name == "" {
			return invalid(field+".name", "不能为空")
		}
		if _, dup := seen[s.Name]; dup {
			return invalid(field+".name", fmt.Sprintf("重复的订阅名称 %q", s.Name))
		}
		seen[s.Name] = struct{}{}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return invalid(field+".url", "仅允许 http/https URL")
		}
		if s.UseProxy && c.Fetch.Proxy == "" {
			return invalid(field+".use_proxy", "需要配置 fetch.proxy")
		}
	}
	return nil
}

// Subscription looks up a configured source by name.
func (c *Config) Subscription(name string) (model.Source, bool) {
	for _, s := range c.Subscriptions {
		if s.Name == name {
			return s, true
		}
	}
	return model.Source{}, false
}
