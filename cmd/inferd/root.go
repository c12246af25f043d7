package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Serve chat completions from one model backend, synchronously or as polled tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	addConfigFlags(root.PersistentFlags())

	var format string
	configCmd := &cobra.Command{
		Use:     "config",
		Short:   "Print the effective configuration (secrets redacted)",
		Example: "  inferd config --format toml\n  API_KEY=x inferd config --config inferd.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if err := printConfig(cmd, cfg.Redacted(), format); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
	configCmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml|toml|json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inferd %s (llama backend compiled: %t)\n", version, engine.LlamaBuilt())
		},
	}
	root.AddCommand(configCmd, versionCmd)
	return root
}

// addConfigFlags registers the flags that override file and environment values.
func addConfigFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("config", "", "Config file (.yaml/.yml/.json/.toml); defaults to INFERD_CONFIG")
	fs.String("host", d.Host, "Listen host (HOST)")
	fs.Int("port", d.Port, "Listen port (PORT)")
	fs.String("model-name", d.ModelName, "Model identifier (MODEL_NAME)")
	fs.String("model-path", "", "GGUF file for the llama backend (MODEL_PATH)")
	fs.String("backend", d.Backend, "Backend: openai|llama (BACKEND)")
	fs.String("backend-url", d.BackendURL, "OpenAI-compatible server base URL (BACKEND_URL)")
	fs.String("backend-bin", "", "Model server binary to spawn, e.g. vllm (BACKEND_BIN)")
	fs.String("gate", d.Gate, "Concurrency gate: auto|exclusive|concurrent (GATE)")
	fs.Int("gate-limit", d.GateLimit, "Concurrent gate limit, 0 = unbounded (GATE_LIMIT)")
	fs.Int("gate-max-queue", d.GateMaxQueue, "Max waiting callers before 429, 0 = unbounded (GATE_MAX_QUEUE)")
	fs.Int("task-ttl", d.TaskTTL, "Task lifetime in seconds (TASK_TTL)")
	fs.String("log-level", d.LogLevel, "Log level: debug|info|warn|error (LOG_LEVEL)")
	fs.String("log-format", d.LogFormat, "Log format: json|console (LOG_FORMAT)")
	fs.Bool("exit-on-load-failure", false, "Exit non-zero when the model fails to load (EXIT_ON_LOAD_FAILURE)")
}

// loadConfig resolves defaults, then the config file, then the environment,
// then explicitly set flags.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv("INFERD_CONFIG")
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyFlags(fs, &cfg)
	return cfg, nil
}

func applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if fs.Changed(name) {
			*dst, _ = fs.GetInt(name)
		}
	}
	str("host", &cfg.Host)
	num("port", &cfg.Port)
	str("model-name", &cfg.ModelName)
	str("model-path", &cfg.ModelPath)
	str("backend", &cfg.Backend)
	str("backend-url", &cfg.BackendURL)
	str("backend-bin", &cfg.BackendBin)
	str("gate", &cfg.Gate)
	num("gate-limit", &cfg.GateLimit)
	num("gate-max-queue", &cfg.GateMaxQueue)
	num("task-ttl", &cfg.TaskTTL)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	if fs.Changed("exit-on-load-failure") {
		cfg.ExitOnLoadFailure, _ = fs.GetBool("exit-on-load-failure")
	}
}

func printConfig(cmd *cobra.Command, cfg config.Config, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	case "toml":
		return toml.NewEncoder(out).Encode(cfg)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unknown format %q (want yaml|toml|json)", format)
	}
}
