// Package config parses the gateway's startup configuration from the
// environment, the way the teacher's own gateway process is configured:
// no YAML file, no CLI flags, env vars read once at startup with sane
// defaults for every optional knob.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every value C1 (Config & Allowlist) is responsible for
// resolving before the first request is admitted.
type Config struct {
	// AllowedModels maps client-facing alias -> canonical model id. Empty
	// is a valid configuration (every request is then rejected as
	// disallowed until the operator populates it).
	AllowedModels map[string]string

	// Engine knobs passed verbatim to C4 (Engine Launcher).
	GPUMemoryUtilization string // fraction, e.g. "0.9"
	SwapSpaceGiB         int    // 0 disables --swap-space
	GlobalMaxModelLen    int    // 0 disables the cap
	MaxNumSeqs           int    // 0 omits --max-num-seqs
	TensorParallelSize   int    // 0 omits --tensor-parallel-size

	// AsyncSchedulingPrefixes: model ids beginning with any of these
	// strings get --async-scheduling appended (§4.4).
	AsyncSchedulingPrefixes []string

	// NetworkName is the container network the gateway and its engine
	// instances share. If the gateway's own container is attached to a
	// network whose name ends with this value, the exact match is used
	// instead (works around compose-style prefixing); see
	// internal/containerrt.ResolveNetwork.
	NetworkName string

	// DiagnosticLogTailBytes bounds the ring buffer C4 attaches to a probe-
	// timeout error (§4.4): only the last N bytes of engine startup log
	// chatter are kept.
	DiagnosticLogTailBytes uint

	// AllowedOrigins is the CORS allowlist for the HTTP frontend. Empty
	// disables cross-origin access entirely, same as no-Origins-configured
	// in CorsMiddleware.
	AllowedOrigins []string

	// GatewayContainerName names the gateway's own container, used to
	// self-inspect its networks when resolving NetworkName.
	GatewayContainerName string

	// IdleTimeoutSeconds; <= 0 disables the idle reaper entirely.
	IdleTimeoutSeconds int

	// ReaperIntervalSeconds is the idle-reaper sweep period. The spec's
	// canonical value is 60s; this is a supplemented knob (see
	// SPEC_FULL.md) allowing override.
	ReaperIntervalSeconds int

	ContainerNamePrefix string
	EngineImage         string
	HostCacheDir        string
	EnginePort          int

	HuggingFaceHubToken string

	FootprintStorePath string

	ListenAddr string

	LogLevel string
}

const (
	defaultReaperIntervalSeconds  = 60
	defaultContainerNamePrefix    = "vllm_gw"
	defaultEngineImage            = "vllm/vllm-openai:latest"
	defaultFootprintStorePath     = "memory_footprints.json"
	defaultListenAddr             = ":8080"
	defaultLogLevel               = "info"
	defaultDiagnosticLogTailBytes = 4096
)

// Load reads the process environment and returns a validated Config. The
// only hard failure is malformed JSON in ALLOWED_MODELS; every other knob
// degrades to a default.
func Load() (*Config, error) {
	cfg := &Config{
		AllowedModels:         map[string]string{},
		GPUMemoryUtilization:  getEnvDefault("GPU_MEMORY_UTILIZATION", "0.9"),
		SwapSpaceGiB:          getEnvInt("SWAP_SPACE_GIB", 0),
		GlobalMaxModelLen:     getEnvInt("MAX_MODEL_LEN", 0),
		MaxNumSeqs:            getEnvInt("MAX_NUM_SEQS", 0),
		TensorParallelSize:    getEnvInt("TENSOR_PARALLEL_SIZE", 0),
		NetworkName:           getEnvDefault("NETWORK_NAME", "vllm-gateway"),
		GatewayContainerName:  os.Getenv("GATEWAY_CONTAINER_NAME"),
		IdleTimeoutSeconds:    getEnvInt("IDLE_TIMEOUT_SECONDS", 600),
		ReaperIntervalSeconds: getEnvInt("REAPER_INTERVAL_SECONDS", defaultReaperIntervalSeconds),
		ContainerNamePrefix:   getEnvDefault("CONTAINER_NAME_PREFIX", defaultContainerNamePrefix),
		EngineImage:           getEnvDefault("ENGINE_IMAGE", defaultEngineImage),
		HostCacheDir:          os.Getenv("HOST_CACHE_DIR"),
		EnginePort:            getEnvInt("ENGINE_PORT", 8000),
		HuggingFaceHubToken:   os.Getenv("HUGGING_FACE_HUB_TOKEN"),
		FootprintStorePath:    getEnvDefault("FOOTPRINT_STORE_PATH", defaultFootprintStorePath),
		ListenAddr:            getEnvDefault("LISTEN_ADDR", defaultListenAddr),
		LogLevel:              getEnvDefault("LOG_LEVEL", defaultLogLevel),
		DiagnosticLogTailBytes: uint(getEnvInt("DIAGNOSTIC_LOG_TAIL_BYTES", defaultDiagnosticLogTailBytes)),
	}

	if raw := os.Getenv("ASYNC_SCHEDULING_PREFIXES"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AsyncSchedulingPrefixes = append(cfg.AsyncSchedulingPrefixes, p)
			}
		}
	}

	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if raw := os.Getenv("ALLOWED_MODELS"); raw != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("parsing ALLOWED_MODELS: %w", err)
		}
		cfg.AllowedModels = m
	}

	return cfg, nil
}

// Resolve maps a client-supplied alias to its canonical model id with a
// plain, exact-match lookup — the same `model_name not in ALLOWED_MODELS`
// dict-key check the original gateway does. §8's "alias outside allowlist
// at any case/whitespace variant -> 400" is about rejecting those
// variants, not admitting them: an alias that differs from a configured
// entry by case or whitespace is unresolved, same as any other alias not
// in the map.
func (c *Config) Resolve(alias string) (string, bool) {
	canonical, ok := c.AllowedModels[alias]
	return canonical, ok
}

// Aliases returns the configured aliases in no particular order, used to
// answer GET /v1/models.
func (c *Config) Aliases() []string {
	out := make([]string, 0, len(c.AllowedModels))
	for a := range c.AllowedModels {
		out = append(out, a)
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
