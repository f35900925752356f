package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/vault-cli/internal/registry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath      string
	EnvFile         string
	JSON            bool
	Plain           bool
	Select          string
	ResultsOnly     bool
	EnableCommands  string
	LogLevel        string
	NoColor         bool
	MetricsTextfile string
}

type Settings struct {
	OutputMode         string
	SelectFields       []string
	ResultsOnly        bool
	EnableCommands     []string
	LogLevel           string
	Color              bool
	MetricsTextfile    string
	KeySource          string
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	AutoRetry          int
	HistoryPath        string
	HistoryLockPath    string
	HistoryLimit       int
	// RPCURLs overrides the registry endpoint per chain id.
	RPCURLs map[int64]string
}

type fileConfig struct {
	Output          string `yaml:"output"`
	LogLevel        string `yaml:"log_level"`
	Color           *bool  `yaml:"color"`
	MetricsTextfile string `yaml:"metrics_textfile"`
	Execution       struct {
		KeySource          string   `yaml:"key_source"`
		PollInterval       string   `yaml:"poll_interval"`
		StepTimeout        string   `yaml:"step_timeout"`
		GasMultiplier      *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei         string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei string   `yaml:"max_priority_fee_gwei"`
		AutoRetry          *int     `yaml:"auto_retry"`
	} `yaml:"execution"`
	History struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		Limit    *int   `yaml:"limit"`
	} `yaml:"history"`
	Chains map[string]struct {
		RPCURL    string `yaml:"rpc_url"`
		RPCURLEnv string `yaml:"rpc_url_env"`
	} `yaml:"chains"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	// The dotenv file is exported first so chains.<slug>.rpc_url_env can name a
	// variable that only exists there.
	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}
	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.StepTimeout <= 0 {
		settings.StepTimeout = 2 * time.Minute
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}
	if settings.AutoRetry < 0 {
		settings.AutoRetry = 0
	}
	if settings.HistoryLimit <= 0 {
		settings.HistoryLimit = 50
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		LogLevel:        "info",
		Color:           true,
		KeySource:       "auto",
		PollInterval:    2 * time.Second,
		StepTimeout:     2 * time.Minute,
		GasMultiplier:   1.2,
		HistoryPath:     filepath.Join(dataDir, "history.db"),
		HistoryLockPath: filepath.Join(dataDir, "history.lock"),
		HistoryLimit:    50,
		RPCURLs:         map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "vault", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "vault"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Color != nil {
		settings.Color = *cfg.Color
	}
	if cfg.MetricsTextfile != "" {
		settings.MetricsTextfile = cfg.MetricsTextfile
	}
	if cfg.Execution.KeySource != "" {
		settings.KeySource = strings.ToLower(cfg.Execution.KeySource)
	}
	if cfg.Execution.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Execution.PollInterval)
		if err != nil {
			return fmt.Errorf("config execution.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Execution.StepTimeout != "" {
		d, err := time.ParseDuration(cfg.Execution.StepTimeout)
		if err != nil {
			return fmt.Errorf("config execution.step_timeout: %w", err)
		}
		settings.StepTimeout = d
	}
	if cfg.Execution.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Execution.GasMultiplier
	}
	if cfg.Execution.MaxFeeGwei != "" {
		settings.MaxFeeGwei = cfg.Execution.MaxFeeGwei
	}
	if cfg.Execution.MaxPriorityFeeGwei != "" {
		settings.MaxPriorityFeeGwei = cfg.Execution.MaxPriorityFeeGwei
	}
	if cfg.Execution.AutoRetry != nil {
		settings.AutoRetry = *cfg.Execution.AutoRetry
	}
	if cfg.History.Path != "" {
		settings.HistoryPath = cfg.History.Path
	}
	if cfg.History.LockPath != "" {
		settings.HistoryLockPath = cfg.History.LockPath
	}
	if cfg.History.Limit != nil {
		settings.HistoryLimit = *cfg.History.Limit
	}
	for key, chainCfg := range cfg.Chains {
		chain, err := registry.ResolveChain(key)
		if err != nil {
			return fmt.Errorf("config chains.%s: %w", key, err)
		}
		if chainCfg.RPCURL != "" {
			settings.RPCURLs[chain.ChainID] = chainCfg.RPCURL
		}
		if chainCfg.RPCURLEnv != "" {
			if v := os.Getenv(chainCfg.RPCURLEnv); v != "" {
				settings.RPCURLs[chain.ChainID] = v
			}
		}
	}

	return nil
}

// loadEnvFile exports a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("VAULT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("VAULT_NO_COLOR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Color = !b
		}
	}
	if v := os.Getenv("VAULT_METRICS_TEXTFILE"); v != "" {
		settings.MetricsTextfile = v
	}
	if v := os.Getenv("VAULT_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
	if v := os.Getenv("VAULT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("VAULT_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.StepTimeout = d
		}
	}
	if v := os.Getenv("VAULT_GAS_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.GasMultiplier = f
		}
	}
	if v := os.Getenv("VAULT_MAX_FEE_GWEI"); v != "" {
		settings.MaxFeeGwei = v
	}
	if v := os.Getenv("VAULT_MAX_PRIORITY_FEE_GWEI"); v != "" {
		settings.MaxPriorityFeeGwei = v
	}
	if v := os.Getenv("VAULT_AUTO_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.AutoRetry = n
		}
	}
	if v := os.Getenv("VAULT_HISTORY_PATH"); v != "" {
		settings.HistoryPath = v
	}
	if v := os.Getenv("VAULT_HISTORY_LOCK_PATH"); v != "" {
		settings.HistoryLockPath = v
	}
	if v := os.Getenv("VAULT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.HistoryLimit = n
		}
	}
	for _, chain := range registry.SupportedChains() {
		if v := os.Getenv(RPCURLEnvName(chain.ChainID)); v != "" {
			settings.RPCURLs[chain.ChainID] = v
		}
	}
}

// RPCURLEnvName is the variable that overrides the RPC endpoint for chainID.
func RPCURLEnvName(chainID int64) string {
	return "VAULT_RPC_URL_" + strconv.FormatInt(chainID, 10)
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitCSV(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitCSV(flags.EnableCommands)
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = strings.ToLower(strings.TrimSpace(flags.LogLevel))
	}
	if flags.NoColor {
		settings.Color = false
	}
	if strings.TrimSpace(flags.MetricsTextfile) != "" {
		settings.MetricsTextfile = strings.TrimSpace(flags.MetricsTextfile)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
