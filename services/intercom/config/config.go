// Package config loads the intercom service's configuration from a
// static YAML file plus command line flags and environment overrides,
// following the same flags+env precedence as the rest of this repo's
// services.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the configuration reference:
// VAD thresholds, timeouts, resource caps, and the external
// service endpoints leg handlers and the orchestrator dial into.
type Config struct {
	// Management API
	APIBindAddr string
	LogLevel    string

	// Static extensions file, consulted when the directory database is
	// unreachable at startup.
	ExtensionsSnapshotPath string

	// system.* keys
	VoiceDetectionType         string // "basic-vad" or "streaming-recognizer"
	AzureSpeechSegmentTimeout  time.Duration
	AntiEchoGuardPeriod        time.Duration
	MinUtteranceFrames         int
	EnergyThresholdAdmit       float64
	EnergyThresholdEnd         float64
	PreBufferDuration          time.Duration
	DeadlockWatchdogTimeout    time.Duration
	SilenceThreshold           time.Duration // visitor leg idle timeout
	ResidentMaxSilence         time.Duration // resident leg idle timeout
	MaxTransactionTime         time.Duration // absolute cap on a leg's lifetime

	// Resource caps
	MaxConcurrentTranscriptions int
	MaxConcurrentSyntheses      int
	MaxActiveSessions           int
	ThrottleCPUPercent          float64
	ThrottleActiveSessions      int
	ThrottleMultiplier          float64

	// Fuzzy validation
	NameMatchThreshold int

	// External endpoints
	TranscriberAddrs []string
	SynthesizerAddrs []string
	LLMAddr          string
	LLMAPIKey        string

	DirectoryDSN string
	NATSURL      string

	GRPCConnectTimeout    time.Duration
	GRPCKeepaliveInterval time.Duration
	GRPCKeepaliveTimeout  time.Duration
}

// staticLayer is the subset of Config that may be set from the YAML
// file referenced by -config / CONFIG_PATH. Flags and environment
// variables override it field by field.
type staticLayer struct {
	System struct {
		VoiceDetectionType        string `yaml:"voiceDetectionType"`
		AzureSpeechSegmentTimeout int    `yaml:"azureSpeechSegmentTimeoutMs"`
		NameMatchThreshold        int    `yaml:"nameMatchThreshold"`
	} `yaml:"system"`
	Resources struct {
		MaxConcurrentTranscriptions int     `yaml:"maxConcurrentTranscriptions"`
		MaxConcurrentSyntheses      int     `yaml:"maxConcurrentSyntheses"`
		MaxActiveSessions           int     `yaml:"maxActiveSessions"`
		ThrottleCPUPercent          float64 `yaml:"throttleCpuPercent"`
		ThrottleActiveSessions      int     `yaml:"throttleActiveSessions"`
	} `yaml:"resources"`
	Extensions struct {
		SnapshotPath string `yaml:"snapshotPath"`
	} `yaml:"extensions"`
}

// Load builds a Config from (in increasing precedence) defaults, the
// static YAML layer, command line flags, and environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AzureSpeechSegmentTimeout:   2500 * time.Millisecond,
		AntiEchoGuardPeriod:         1500 * time.Millisecond,
		MinUtteranceFrames:          15,
		EnergyThresholdAdmit:        600,
		EnergyThresholdEnd:          800,
		PreBufferDuration:           2 * time.Second,
		DeadlockWatchdogTimeout:     10 * time.Second,
		SilenceThreshold:            1500 * time.Millisecond,
		ResidentMaxSilence:          45 * time.Second,
		MaxTransactionTime:          60 * time.Second,
		MaxConcurrentTranscriptions: 8,
		MaxConcurrentSyntheses:      8,
		MaxActiveSessions:           3,
		ThrottleCPUPercent:          85,
		ThrottleActiveSessions:      3,
		ThrottleMultiplier:          1.5,
		NameMatchThreshold:          75,
		VoiceDetectionType:          "basic-vad",
		ExtensionsSnapshotPath:      "data/extensions_snapshot.json",
		GRPCConnectTimeout:          10 * time.Second,
		GRPCKeepaliveInterval:       30 * time.Second,
		GRPCKeepaliveTimeout:        10 * time.Second,
	}

	var configPath string
	var transcriberAddrs, synthesizerAddrs string

	flag.StringVar(&configPath, "config", "", "path to static YAML configuration file")
	flag.StringVar(&cfg.APIBindAddr, "api-bind", ":8090", "management API bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&transcriberAddrs, "transcriber", "localhost:9190", "transcription provider gRPC addresses (comma-separated)")
	flag.StringVar(&synthesizerAddrs, "synthesizer", "localhost:9191", "synthesis provider gRPC addresses (comma-separated)")
	flag.StringVar(&cfg.LLMAddr, "llm-addr", "", "LLM intent-extraction endpoint")
	flag.StringVar(&cfg.DirectoryDSN, "directory-dsn", "", "postgres DSN for the extension directory")
	flag.StringVar(&cfg.NATSURL, "nats-url", "nats://127.0.0.1:4222", "NATS URL for the click-to-call bus")
	flag.Parse()

	if configPath != "" {
		if err := applyStaticLayer(cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg.TranscriberAddrs = splitAddrs(transcriberAddrs)
	cfg.SynthesizerAddrs = splitAddrs(synthesizerAddrs)

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyStaticLayer(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var layer staticLayer
	if err := yaml.Unmarshal(raw, &layer); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if layer.System.VoiceDetectionType != "" {
		cfg.VoiceDetectionType = layer.System.VoiceDetectionType
	}
	if layer.System.AzureSpeechSegmentTimeout > 0 {
		cfg.AzureSpeechSegmentTimeout = time.Duration(layer.System.AzureSpeechSegmentTimeout) * time.Millisecond
	}
	if layer.System.NameMatchThreshold > 0 {
		cfg.NameMatchThreshold = layer.System.NameMatchThreshold
	}
	if layer.Resources.MaxConcurrentTranscriptions > 0 {
		cfg.MaxConcurrentTranscriptions = layer.Resources.MaxConcurrentTranscriptions
	}
	if layer.Resources.MaxConcurrentSyntheses > 0 {
		cfg.MaxConcurrentSyntheses = layer.Resources.MaxConcurrentSyntheses
	}
	if layer.Resources.MaxActiveSessions > 0 {
		cfg.MaxActiveSessions = layer.Resources.MaxActiveSessions
	}
	if layer.Resources.ThrottleCPUPercent > 0 {
		cfg.ThrottleCPUPercent = layer.Resources.ThrottleCPUPercent
	}
	if layer.Resources.ThrottleActiveSessions > 0 {
		cfg.ThrottleActiveSessions = layer.Resources.ThrottleActiveSessions
	}
	if layer.Extensions.SnapshotPath != "" {
		cfg.ExtensionsSnapshotPath = layer.Extensions.SnapshotPath
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_BIND"); v != "" {
		cfg.APIBindAddr = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DIRECTORY_DSN"); v != "" {
		cfg.DirectoryDSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("TRANSCRIBER_ADDRS"); v != "" {
		cfg.TranscriberAddrs = splitAddrs(v)
	}
	if v := os.Getenv("SYNTHESIZER_ADDRS"); v != "" {
		cfg.SynthesizerAddrs = splitAddrs(v)
	}
	if v := os.Getenv("LLM_ADDR"); v != "" {
		cfg.LLMAddr = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("NAME_MATCH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NameMatchThreshold = n
		}
	}
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
