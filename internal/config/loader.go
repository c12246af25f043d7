package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service. It is read once at
// startup: defaults, then the config file, then the environment, then flags.
type Config struct {
	APIKey               string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	ModelName            string  `json:"model_name" yaml:"model_name" toml:"model_name"`
	MaxModelLen          int     `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization" yaml:"gpu_memory_utilization" toml:"gpu_memory_utilization"`
	// TaskTTL is the task record lifetime in seconds.
	TaskTTL int    `json:"task_ttl" yaml:"task_ttl" toml:"task_ttl"`
	Host    string `json:"host" yaml:"host" toml:"host"`
	Port    int    `json:"port" yaml:"port" toml:"port"`

	// Backend is "openai" (HTTP model server) or "llama" (in-process).
	Backend       string   `json:"backend" yaml:"backend" toml:"backend"`
	BackendURL    string   `json:"backend_url" yaml:"backend_url" toml:"backend_url"`
	BackendAPIKey string   `json:"backend_api_key" yaml:"backend_api_key" toml:"backend_api_key"`
	BackendBin    string   `json:"backend_bin" yaml:"backend_bin" toml:"backend_bin"`
	BackendArgs   []string `json:"backend_args" yaml:"backend_args" toml:"backend_args"`
	ModelPath     string   `json:"model_path" yaml:"model_path" toml:"model_path"`
	LoadTimeout   Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`

	Gate            string   `json:"gate" yaml:"gate" toml:"gate"`
	GateLimit       int      `json:"gate_limit" yaml:"gate_limit" toml:"gate_limit"`
	GateMaxQueue    int      `json:"gate_max_queue" yaml:"gate_max_queue" toml:"gate_max_queue"`
	SweepInterval   Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
	GenerateTimeout Duration `json:"generate_timeout" yaml:"generate_timeout" toml:"generate_timeout"`

	LlamaThreads   int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaGPULayers int `json:"llama_gpu_layers" yaml:"llama_gpu_layers" toml:"llama_gpu_layers"`

	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	NATSURL      string `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	NATSSubject  string `json:"nats_subject" yaml:"nats_subject" toml:"nats_subject"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`

	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes      int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ExitOnLoadFailure bool     `json:"exit_on_load_failure" yaml:"exit_on_load_failure" toml:"exit_on_load_failure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ModelName:            "Qwen/Qwen2.5-32B-Instruct-AWQ",
		MaxModelLen:          32768,
		GPUMemoryUtilization: 0.92,
		TaskTTL:              3600,
		Host:                 "0.0.0.0",
		Port:                 8001,
		Backend:              "openai",
		BackendURL:           "http://127.0.0.1:8000",
		LoadTimeout:          Duration(30 * time.Minute),
		Gate:                 "auto",
		SweepInterval:        Duration(5 * time.Minute),
		LogLevel:             "info",
		LogFormat:            "json",
		NATSSubject:          "inferd",
		MaxBodyBytes:         1 << 20,
		ShutdownTimeout:      Duration(30 * time.Second),
	}
}

// Load reads a configuration file over the defaults, based on its extension.
// Supports: .yaml/.yml, .json, .toml. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = SplitCSV(v)
		}
	}

	str("API_KEY", &cfg.APIKey)
	str("MODEL_NAME", &cfg.ModelName)
	num("MAX_MODEL_LEN", &cfg.MaxModelLen)
	if v, ok := lookup("GPU_MEMORY_UTILIZATION"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GPU_MEMORY_UTILIZATION: %q is not a number", v))
		} else {
			cfg.GPUMemoryUtilization = f
		}
	}
	num("TASK_TTL", &cfg.TaskTTL)
	str("HOST", &cfg.Host)
	num("PORT", &cfg.Port)

	str("BACKEND", &cfg.Backend)
	str("BACKEND_URL", &cfg.BackendURL)
	str("BACKEND_API_KEY", &cfg.BackendAPIKey)
	str("BACKEND_BIN", &cfg.BackendBin)
	if v, ok := lookup("BACKEND_ARGS"); ok {
		cfg.BackendArgs = strings.Fields(v)
	}
	str("MODEL_PATH", &cfg.ModelPath)
	dur("LOAD_TIMEOUT", &cfg.LoadTimeout)

	str("GATE", &cfg.Gate)
	num("GATE_LIMIT", &cfg.GateLimit)
	num("GATE_MAX_QUEUE", &cfg.GateMaxQueue)
	dur("SWEEP_INTERVAL", &cfg.SweepInterval)
	dur("GENERATE_TIMEOUT", &cfg.GenerateTimeout)
	num("LLAMA_THREADS", &cfg.LlamaThreads)
	num("LLAMA_GPU_LAYERS", &cfg.LlamaGPULayers)

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("NATS_URL", &cfg.NATSURL)
	str("NATS_SUBJECT", &cfg.NATSSubject)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	list("CORS_ORIGINS", &cfg.CORSOrigins)
	if v, ok := lookup("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_BODY_BYTES: %q is not an integer", v))
		} else {
			cfg.MaxBodyBytes = n
		}
	}
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	if v, ok := lookup("EXIT_ON_LOAD_FAILURE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("EXIT_ON_LOAD_FAILURE: %q is not a boolean", v))
		} else {
			cfg.ExitOnLoadFailure = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks cross-field constraints and expands "~" in paths.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TaskTTL < 0 {
		errs = append(errs, fmt.Errorf("task_ttl must be >= 0, got %d", c.TaskTTL))
	}
	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		errs = append(errs, fmt.Errorf("gpu_memory_utilization must be in (0,1], got %v", c.GPUMemoryUtilization))
	}
	switch c.Gate {
	case "auto", "exclusive", "concurrent":
	default:
		errs = append(errs, fmt.Errorf("gate must be auto|exclusive|concurrent, got %q", c.Gate))
	}
	if c.GateLimit < 0 || c.GateMaxQueue < 0 {
		errs = append(errs, errors.New("gate_limit and gate_max_queue must be >= 0"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json|console, got %q", c.LogFormat))
	}

	var err error
	switch c.Backend {
	case "openai":
		if u, perr := url.Parse(c.BackendURL); perr != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend_url %q is not an absolute URL", c.BackendURL))
		}
		if c.BackendBin, err = ExpandHome(c.BackendBin); err != nil {
			errs = append(errs, err)
		}
	case "llama":
		if c.ModelPath, err = ExpandHome(c.ModelPath); err != nil {
			errs = append(errs, err)
		} else if c.ModelPath == "" {
			errs = append(errs, errors.New("model_path is required for the llama backend"))
		} else if !PathExists(c.ModelPath) {
			errs = append(errs, fmt.Errorf("model_path %s does not exist", c.ModelPath))
		}
		if c.Gate == "concurrent" {
			errs = append(errs, errors.New("the llama backend requires an exclusive gate"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be openai|llama, got %q", c.Backend))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// TTL returns TaskTTL as a duration.
func (c Config) TTL() time.Duration { return time.Duration(c.TaskTTL) * time.Second }

// SpawnArgs returns the arguments for the spawned model server. Explicit
// backend_args win; otherwise a vLLM `serve` command line is derived from
// model_name, max_model_len, gpu_memory_utilization and backend_url's port.
func (c Config) SpawnArgs() []string {
	if len(c.BackendArgs) > 0 {
		return append([]string(nil), c.BackendArgs...)
	}
	args := []string{
		"serve", c.ModelName,
		"--max-model-len", strconv.Itoa(c.MaxModelLen),
		"--gpu-memory-utilization", strconv.FormatFloat(c.GPUMemoryUtilization, 'f', -1, 64),
	}
	if u, err := url.Parse(c.BackendURL); err == nil && u.Port() != "" {
		args = append(args, "--port", u.Port())
	}
	if c.BackendAPIKey != "" {
		args = append(args, "--api-key", c.BackendAPIKey)
	}
	return args
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if out.APIKey != "" {
		out.APIKey = "***"
	}
	if out.BackendAPIKey != "" {
		out.BackendAPIKey = "***"
	}
	out.BackendArgs = append([]string(nil), c.BackendArgs...)
	for i, a := range out.BackendArgs {
		if a == "--api-key" && i+1 < len(out.BackendArgs) {
			out.BackendArgs[i+1] = "***"
		}
	}
	return out
}

// SplitCSV splits a comma-separated list, trimming blanks and dropping empties.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
