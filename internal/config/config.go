package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Registry   RegistryConfig   `yaml:"registry"`
	NATS       NATSConfig       `yaml:"nats"`
	State      StateConfig      `yaml:"state"`
	Web        WebConfig        `yaml:"web"`
	LLM        LLMConfig        `yaml:"llm"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

type ControllerConfig struct {
	// Mode selects the execution mode: "routing" or "pipeline".
	Mode            string        `yaml:"mode"`
	MandatoryStages []string      `yaml:"mandatory_stages"`
	OptionalStages  []string      `yaml:"optional_stages"`
	StageTimeout    time.Duration `yaml:"stage_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	Decomposer DecomposerConfig `yaml:"decomposer"`
}

type DecomposerConfig struct {
	// Strategy: "rules" or "llm".
	Strategy string `yaml:"strategy"`
	// CoveragePolicy: "omit" drops subtasks whose capability has no live
	// worker; "fail" rejects the objective when a mandatory capability is
	// missing.
	CoveragePolicy        string   `yaml:"coverage_policy"`
	MandatoryCapabilities []string `yaml:"mandatory_capabilities"`
}

type RegistryConfig struct {
	// TTL is the liveness window; a worker is removed once its TTL fully
	// lapses without a heartbeat.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

type LLMConfig struct {
	GatewayURL string        `yaml:"gateway_url"`
	Provider   string        `yaml:"provider"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	Jobs         []ScheduledJob `yaml:"jobs"`
}

type ScheduledJob struct {
	Name      string `yaml:"name"`
	Cron      string `yaml:"cron"`
	Objective string `yaml:"objective"`
}

func defaults() Config {
	return Config{
		Controller: ControllerConfig{
			Mode:            "routing",
			MandatoryStages: []string{"analyze", "retrieve", "evaluate"},
			OptionalStages:  []string{"finalize"},
			StageTimeout:    60 * time.Second,
			DispatchTimeout: 30 * time.Second,
			Decomposer: DecomposerConfig{
				Strategy:       "rules",
				CoveragePolicy: "omit",
			},
		},
		Registry: RegistryConfig{
			TTL:           30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		State: StateConfig{
			Path: "data/taskmesh.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		LLM: LLMConfig{
			GatewayURL: "http://localhost:7000",
			Provider:   "mock",
			Timeout:    60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("TASKMESH_CONFIG")
	if path == "" {
		path = "config/taskmesh.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKMESH_MODE"); v != "" {
		cfg.Controller.Mode = v
	}
	if v := os.Getenv("TASKMESH_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("TASKMESH_WEB_TOKEN"); v != "" {
		cfg.Web.AuthToken = v
	}
	if v := os.Getenv("TASKMESH_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("TASKMESH_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("LLM_GATEWAY_URL"); v != "" {
		cfg.LLM.GatewayURL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
}

func (c *Config) validate() error {
	switch c.Controller.Mode {
	case "routing", "pipeline":
	default:
		return fmt.Errorf("unknown controller mode %q", c.Controller.Mode)
	}
	switch c.Controller.Decomposer.CoveragePolicy {
	case "omit", "fail":
	default:
		return fmt.Errorf("unknown coverage policy %q", c.Controller.Decomposer.CoveragePolicy)
	}
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("registry ttl must be positive")
	}
	return nil
}
