package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models storyline.yml.
type Config struct {
	Capacity CapacityConfig `yaml:"capacity" mapstructure:"capacity"`
	Gates    GatesConfig    `yaml:"gates" mapstructure:"gates"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Agents   AgentsConfig   `yaml:"agents" mapstructure:"agents"`
	Workflow WorkflowConfig `yaml:"workflow" mapstructure:"workflow"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

type CapacityConfig struct {
	DailyHourCeiling float64            `yaml:"daily_hour_ceiling_per_agent" mapstructure:"daily_hour_ceiling_per_agent"`
	AgentCeilings    map[string]float64 `yaml:"agent_ceilings" mapstructure:"agent_ceilings"`
	HorizonDays      int                `yaml:"horizon_days" mapstructure:"horizon_days"`
	SkipWeekends     bool               `yaml:"skip_weekends" mapstructure:"skip_weekends"`
}

type GatesConfig struct {
	// Agent is recorded as produced_by for gates computed from stored data.
	Agent             string   `yaml:"agent" mapstructure:"agent"`
	RiskThresholdLow  float64  `yaml:"risk_threshold_low" mapstructure:"risk_threshold_low"`
	RiskThresholdHigh float64  `yaml:"risk_threshold_high" mapstructure:"risk_threshold_high"`
	ReviewScoreCutoff float64  `yaml:"review_score_cutoff" mapstructure:"review_score_cutoff"`
	ReviewPassScore   float64  `yaml:"review_pass_score" mapstructure:"review_pass_score"`
	NFRCategories     []string `yaml:"nfr_categories" mapstructure:"nfr_categories"`
}

type MonitorConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
	StoryStalenessHours int `yaml:"story_staleness_hours" mapstructure:"story_staleness_hours"`
	RollupHour          int `yaml:"rollup_hour" mapstructure:"rollup_hour"`
}

type DispatchConfig struct {
	TimeoutSeconds map[string]int `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type AgentsConfig struct {
	// Routes maps an action to the agent that performs it.
	Routes   map[string]string      `yaml:"routes" mapstructure:"routes"`
	Registry map[string]AgentConfig `yaml:"registry" mapstructure:"registry"`
	// Pool lists candidates for tasks created without an agent.
	Pool []string `yaml:"pool" mapstructure:"pool"`
}

type AgentConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"`
	URL  string `yaml:"url" mapstructure:"url"`
}

type WorkflowConfig struct {
	// ProjectActions maps a planning state to the action dispatched on entry.
	ProjectActions map[string]string `yaml:"project_actions" mapstructure:"project_actions"`
}

type NotifyConfig struct {
	Webhooks  []WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	QueueSize int             `yaml:"queue_size" mapstructure:"queue_size"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" mapstructure:"url"`
	Events []string `yaml:"events" mapstructure:"events"`
	// Enabled defaults to true when omitted.
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled"`
	Secret         string `yaml:"secret" mapstructure:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

const (
	AgentKindManual = "manual"
	AgentKindHTTP   = "http"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Capacity.DailyHourCeiling <= 0 {
		return fmt.Errorf("config.capacity.daily_hour_ceiling_per_agent must be positive")
	}
	for agent, ceiling := range c.Capacity.AgentCeilings {
		if agent == "" || ceiling <= 0 {
			return fmt.Errorf("config.capacity.agent_ceilings[%s] must be positive", agent)
		}
	}
	if c.Capacity.HorizonDays <= 0 {
		return fmt.Errorf("config.capacity.horizon_days must be positive")
	}
	if c.Gates.RiskThresholdLow > c.Gates.RiskThresholdHigh {
		return fmt.Errorf("config.gates.risk_threshold_low must not exceed risk_threshold_high")
	}
	if c.Gates.ReviewScoreCutoff > c.Gates.ReviewPassScore {
		return fmt.Errorf("config.gates.review_score_cutoff must not exceed review_pass_score")
	}
	if c.Monitor.TickIntervalSeconds <= 0 {
		return fmt.Errorf("config.monitor.tick_interval_seconds must be positive")
	}
	if c.Monitor.StoryStalenessHours <= 0 {
		return fmt.Errorf("config.monitor.story_staleness_hours must be positive")
	}
	if c.Monitor.RollupHour < 0 || c.Monitor.RollupHour > 23 {
		return fmt.Errorf("config.monitor.rollup_hour must be within 0..23")
	}
	for action, secs := range c.Dispatch.TimeoutSeconds {
		if secs <= 0 {
			return fmt.Errorf("config.dispatch.timeout_seconds.%s must be positive", action)
		}
	}
	for id, agent := range c.Agents.Registry {
		switch agent.Kind {
		case AgentKindManual:
		case AgentKindHTTP:
			if agent.URL == "" {
				return fmt.Errorf("agent %s: http agents need a url", id)
			}
		default:
			return fmt.Errorf("agent %s: unknown kind %q", id, agent.Kind)
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// CeilingFor returns the daily hour ceiling for agent.
func (c *Config) CeilingFor(agent string) float64 {
	if v, ok := c.Capacity.AgentCeilings[agent]; ok {
		return v
	}
	return c.Capacity.DailyHourCeiling
}

// DispatchTimeout returns the timeout for action, falling back to "default".
func (c *Config) DispatchTimeout(action string) time.Duration {
	if secs, ok := c.Dispatch.TimeoutSeconds[action]; ok {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := c.Dispatch.TimeoutSeconds["default"]; ok {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

// RouteFor returns the agent routed to action, or "" when the action is not
// routed.
func (c *Config) RouteFor(action string) string {
	return c.Agents.Routes[action]
}

// ActionFor returns the action dispatched when a project enters state.
func (c *Config) ActionFor(state string) string {
	return c.Workflow.ProjectActions[state]
}

// AgentPool returns the configured candidates in a stable order.
func (c *Config) AgentPool() []string {
	pool := append([]string(nil), c.Agents.Pool...)
	sort.Strings(pool)
	return pool
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Monitor.TickIntervalSeconds) * time.Second
}

func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Monitor.StoryStalenessHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads storyline.yml from workspace, falling back to defaults when the
// file is missing.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// envKeys lists the scalar settings that may be overridden from the
// environment, e.g. STORYLINE_CAPACITY_HORIZON_DAYS.
func (c *Config) envKeys() map[string]any {
	return map[string]any{
		"capacity.daily_hour_ceiling_per_agent": c.Capacity.DailyHourCeiling,
		"capacity.horizon_days":                 c.Capacity.HorizonDays,
		"capacity.skip_weekends":                c.Capacity.SkipWeekends,
		"gates.agent":                           c.Gates.Agent,
		"gates.risk_threshold_low":              c.Gates.RiskThresholdLow,
		"gates.risk_threshold_high":             c.Gates.RiskThresholdHigh,
		"gates.review_score_cutoff":             c.Gates.ReviewScoreCutoff,
		"gates.review_pass_score":               c.Gates.ReviewPassScore,
		"monitor.tick_interval_seconds":         c.Monitor.TickIntervalSeconds,
		"monitor.story_staleness_hours":         c.Monitor.StoryStalenessHours,
		"monitor.rollup_hour":                   c.Monitor.RollupHour,
		"log.level":                             c.Log.Level,
		"log.format":                            c.Log.Format,
		"server.addr":                           c.Server.Addr,
	}
}

// ApplyEnv overlays STORYLINE_* environment variables read through v onto c
// and re-validates.
func (c *Config) ApplyEnv(v *viper.Viper) error {
	v.SetEnvPrefix("STORYLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range c.envKeys() {
		v.SetDefault(key, val)
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return c.Validate()
}

const defaultTemplate = `capacity:
  daily_hour_ceiling_per_agent: 8.0
  agent_ceilings: {}
  horizon_days: 30
  skip_weekends: false

gates:
  agent: qa
  risk_threshold_low: 3.0
  risk_threshold_high: 6.0
  review_score_cutoff: 6.0
  review_pass_score: 8.0
  nfr_categories: [performance, security, scalability]

monitor:
  tick_interval_seconds: 1800
  story_staleness_hours: 48
  rollup_hour: 18

dispatch:
  timeout_seconds:
    default: 300
    implement_story: 1800

agents:
  routes:
    research: analyst
    write_brief: pm
    write_prd: pm
    produce_architecture: architect
    implement_story: dev
    design_tests: qa
    run_nfr_checks: qa
  registry:
    analyst: {kind: manual}
    pm: {kind: manual}
    architect: {kind: manual}
    dev: {kind: manual}
    qa: {kind: manual}
  pool: [dev]

workflow:
  project_actions:
    analyst_research: research
    project_brief: write_brief
    prd_creation: write_prd
    architecture: produce_architecture

notify:
  queue_size: 256
  webhooks: []

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8787
`
