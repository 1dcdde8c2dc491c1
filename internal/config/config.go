// Package config provides configuration types and loading for loomclaw.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig    `json:"paths"`
	Model     ModelConfig    `json:"model"`
	Agent     AgentConfig    `json:"agent"`
	Subagents SubagentConfig `json:"subagents"`
	Scheduler ScheduleConfig `json:"scheduler"`
	Providers ProviderConfig `json:"providers"`
	Channels  ChannelsConfig `json:"channels"`
}

// PathsConfig groups filesystem locations.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	Database  string `json:"database" envconfig:"DATABASE"`
	SkillsDir string `json:"skillsDir" envconfig:"SKILLS_DIR"`
}

// ModelConfig groups LLM model settings.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// AgentConfig groups agent-loop behaviour.
type AgentConfig struct {
	SystemPrompt          string `json:"systemPrompt" envconfig:"SYSTEM_PROMPT"`
	MaxIterations         int    `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" envconfig:"MAX_CONCURRENT_MESSAGES"`
	MemoryWindow          int    `json:"memoryWindow" envconfig:"MEMORY_WINDOW"`
}

// SubagentConfig groups background-agent limits.
type SubagentConfig struct {
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"SUBAGENT_MAX_CONCURRENT"`
	MaxIterations int           `json:"maxIterations" envconfig:"SUBAGENT_MAX_ITERATIONS"`
	Timeout       time.Duration `json:"timeout" envconfig:"SUBAGENT_TIMEOUT"`
}

// ScheduleConfig groups scheduler settings.
type ScheduleConfig struct {
	MaxTasksPerSession int `json:"maxTasksPerSession" envconfig:"SCHEDULER_MAX_TASKS_PER_SESSION"`
}

// ProviderConfig contains LLM provider settings.
type ProviderConfig struct {
	APIKey  string        `json:"apiKey" envconfig:"API_KEY"`
	APIBase string        `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Timeout time.Duration `json:"timeout" envconfig:"PROVIDER_TIMEOUT"`
}

// ChannelsConfig contains transport configurations.
type ChannelsConfig struct {
	Slack SlackConfig `json:"slack"`
	Web   WebConfig   `json:"web"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
}

// WebConfig configures the WebSocket channel.
type WebConfig struct {
	Enabled bool   `json:"enabled" envconfig:"WEB_ENABLED"`
	Listen  string `json:"listen" envconfig:"WEB_LISTEN"`
}
