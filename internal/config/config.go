// Package config resolves CLI flags, a TOML file and environment
// variables into the startup plan the rest of the gateway consumes. The
// gateway's core never parses TOML itself — this package is the one
// facade that does.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// LogDestination is the --log-destination enumeration.
type LogDestination string

const (
	LogStdout LogDestination = "stdout"
	LogFile   LogDestination = "file"
	LogBoth   LogDestination = "both"
)

// CLI holds the parsed command-line flags (§6).
type CLI struct {
	ConfigPath         string
	CheckHealth        bool
	CheckHealthSeconds int
	WebUIDir           string
	LogDestination     LogDestination
	LogFile            string
	PrintVersion       bool
}

// ParseCLI parses args (normally os.Args[1:]) into a CLI. It always uses a
// FlagSet of its own, so flag.CommandLine is left untouched.
func ParseCLI(args []string) (*CLI, error) {
	fs := flag.NewFlagSet("nexus", flag.ContinueOnError)
	c := &CLI{}
	var logDest string
	fs.StringVar(&c.ConfigPath, "config", "config.toml", "path to the TOML config file")
	fs.BoolVar(&c.CheckHealth, "check-health", false, "enable the background health watchdog")
	fs.IntVar(&c.CheckHealthSeconds, "check-health-interval", 60, "seconds between health probes")
	fs.StringVar(&c.WebUIDir, "web-ui", "chatbot-ui", "directory to serve the static web UI from")
	fs.StringVar(&logDest, "log-destination", "stdout", "log destination: stdout|file|both")
	fs.StringVar(&c.LogFile, "log-file", "", "log file path (required if log-destination != stdout)")
	fs.BoolVar(&c.PrintVersion, "V", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.LogDestination = LogDestination(logDest)
	if c.LogDestination != LogStdout && c.LogFile == "" {
		return nil, fmt.Errorf("--log-file is required when --log-destination=%s", c.LogDestination)
	}
	return c, nil
}

// BackendConfig pre-registers a backend at startup.
type BackendConfig struct {
	URL    string `toml:"url"`
	Kind   string `toml:"kind"`
	APIKey string `toml:"api_key"`
}

// MCPConfig is one [[mcp_servers]] entry.
type MCPConfig struct {
	Name              string `toml:"name"`
	Transport         string `toml:"transport"`
	URL               string `toml:"url"`
	OAuthURL          string `toml:"oauth_url"`
	OAuthClientID     string `toml:"oauth_client_id"`
	OAuthClientSecret string `toml:"oauth_client_secret"`
	Enabled           bool   `toml:"enabled"`
	Role              string `toml:"role"`
	BearerToken       string `toml:"bearer_token"`
	APIKeyHeader      string `toml:"api_key_header"`
	APIKeyValue       string `toml:"api_key_value"`
	FallbackMessage   string `toml:"fallback_message"`
}

// RAGConfig is the [rag] table.
type RAGConfig struct {
	Enable         bool   `toml:"enable"`
	Policy         string `toml:"policy"`
	ContextWindow  int    `toml:"context_window"`
	Prompt         string `toml:"prompt"`
	TopK           int    `toml:"top_k"`
}

// MemoryConfig is the [memory] table.
type MemoryConfig struct {
	Enable                bool   `toml:"enable"`
	DatabasePath          string `toml:"database_path"`
	ContextWindow          int    `toml:"context_window"`
	AutoSummarize          bool   `toml:"auto_summarize"`
	SummarizationStrategy  string `toml:"summarization_strategy"`
	SummaryServiceBaseURL  string `toml:"summary_service_base_url"`
	SummaryServiceAPIKey   string `toml:"summary_service_api_key"`
	MaxStoredMessages      int    `toml:"max_stored_messages"`
	SummarizeThreshold     int    `toml:"summarize_threshold"`
}

// ToolLoopConfig is the [tool_loop] table.
type ToolLoopConfig struct {
	MaxTurns int `toml:"max_tool_turns"`
}

// TelemetryConfig mirrors the teacher's OTel bootstrap fields.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// File is the decoded shape of the TOML config file.
type File struct {
	BindAddr    string          `toml:"bind_addr"`
	Backends    []BackendConfig `toml:"backends"`
	MCPServers  []MCPConfig     `toml:"mcp_servers"`
	RAG         RAGConfig       `toml:"rag"`
	Memory      MemoryConfig    `toml:"memory"`
	ToolLoop    ToolLoopConfig  `toml:"tool_loop"`
}

// Plan is the fully resolved startup plan the rest of the gateway
// consumes (§4.10): CLI flags plus the decoded, env-substituted TOML file.
type Plan struct {
	CLI       *CLI
	BindAddr  string
	Backends  []BackendConfig
	MCP       []MCPConfig
	RAG       RAGConfig
	Memory    MemoryConfig
	ToolLoop  ToolLoopConfig
	Telemetry TelemetryConfig
}

// Load parses CLI flags, decodes the TOML file they point at, substitutes
// the DEFAULT_{KIND}_SERVICE_API_KEY environment variables into backend
// entries whose api_key is empty, and returns the resolved plan.
func Load(args []string) (*Plan, error) {
	cli, err := ParseCLI(args)
	if err != nil {
		return nil, err
	}

	var f File
	if _, err := os.Stat(cli.ConfigPath); err == nil {
		if _, err := toml.DecodeFile(cli.ConfigPath, &f); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", cli.ConfigPath, err)
		}
	}

	for i := range f.Backends {
		if f.Backends[i].APIKey != "" {
			continue
		}
		envKey := fmt.Sprintf("DEFAULT_%s_SERVICE_API_KEY", strings.ToUpper(f.Backends[i].Kind))
		f.Backends[i].APIKey = os.Getenv(envKey)
	}

	if f.ToolLoop.MaxTurns == 0 {
		f.ToolLoop.MaxTurns = 4
	}
	if f.RAG.TopK == 0 {
		f.RAG.TopK = 5
	}
	if f.Memory.SummarizationStrategy == "" {
		f.Memory.SummarizationStrategy = "Incremental"
	}
	if f.Memory.Enable && f.Memory.DatabasePath == "" {
		f.Memory.DatabasePath = "nexus-memory.sqlite"
	}

	bindAddr := f.BindAddr
	if bindAddr == "" {
		bindAddr = envStr("NEXUS_BIND_ADDR", ":8080")
	}

	plan := &Plan{
		CLI:      cli,
		BindAddr: bindAddr,
		Backends: f.Backends,
		MCP:      f.MCPServers,
		RAG:      f.RAG,
		Memory:   f.Memory,
		ToolLoop: f.ToolLoop,
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "llama-nexus"),
		},
	}
	return plan, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
