// Package launcher implements C4, the Engine Launcher: it turns
// (model_id, slot_index) into a live registry.Instance or fails. Grounded
// on the teacher's runner.go (readiness polling shape: fixed interval,
// bounded attempt count, progress logging) and
// pkg/inference/backends/llamacpp/llamacpp.go (argument construction,
// GGUF handling) adapted from a single-process backend into a
// container-per-model one per SPEC_FULL.md's domain stack.
package launcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/TKontu/vllm-gateway/internal/config"
	"github.com/TKontu/vllm-gateway/internal/containerrt"
	"github.com/TKontu/vllm-gateway/internal/gguf"
	"github.com/TKontu/vllm-gateway/internal/gwerrors"
	"github.com/TKontu/vllm-gateway/internal/logging"
	"github.com/TKontu/vllm-gateway/internal/registry"
	"github.com/TKontu/vllm-gateway/pkg/tailbuffer"
)

const (
	// staleContainerStopTimeout matches §4.4 "stop (10s timeout, errors
	// ignored)".
	staleContainerStopTimeout = 10 * time.Second
	// staleContainerPollAttempts matches §4.4 "poll get_by_name up to 10x".
	staleContainerPollAttempts = 10

	// defaultLogTailBytes is used when the configured diagnostic log tail
	// size is unset (e.g. a Launcher built by hand in tests); production
	// always goes through config.Load, which applies its own default.
	defaultLogTailBytes = 4096
)

// logTailBytes bounds the diagnostic container-log excerpt attached to a
// probe-timeout error; a 1h probe deadline can produce an unbounded amount
// of engine startup chatter, so only the configured tail is kept.
func (l *Launcher) logTailBytes() uint {
	if l.cfg.DiagnosticLogTailBytes > 0 {
		return l.cfg.DiagnosticLogTailBytes
	}
	return defaultLogTailBytes
}

// staleContainerPollInterval / healthProbe* are package vars rather than
// consts so tests can shrink them; production always runs with the §4.4
// defaults ("poll get_by_name up to 10x at 0.5s", "poll ... every 2s up to
// 1800 attempts (~1h)").
var (
	staleContainerPollInterval = 500 * time.Millisecond
	healthProbeInterval        = 2 * time.Second
	healthProbeMaxAttempts     = 1800
	healthProbeLogInterval     = 30 * time.Second
)

// MetadataClient is the subset of modelmeta.Client the launcher depends
// on — the model-metadata and weights-download external collaborators
// from §1. Declared as an interface (rather than depending on the
// concrete *modelmeta.Client) so tests can substitute a fake, the same
// way containerrt.Runtime is an interface for the container-runtime
// collaborator.
type MetadataClient interface {
	FetchMaxLen(ctx context.Context, repoID string) int
	ListGGUFFiles(repoID string) ([]string, error)
	Download(repoID, filename string) (string, error)
}

// Launcher builds engine arguments, downloads GGUF weights on demand,
// starts the container, probes health, and returns a registered instance
// or fails (§4.4).
type Launcher struct {
	cfg        *config.Config
	runtime    containerrt.Runtime
	meta       MetadataClient
	downloads  func(ctx context.Context, fn func() (string, error)) (string, error) // dispatches blocking download off the request goroutine
	network    string
	httpClient *http.Client
	log        logging.Logger
}

func New(cfg *config.Config, runtime containerrt.Runtime, meta MetadataClient, network string, log logging.Logger) *Launcher {
	return &Launcher{
		cfg:        cfg,
		runtime:    runtime,
		meta:       meta,
		network:    network,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
		downloads:  runOffGoroutine,
	}
}

// runOffGoroutine dispatches a blocking call to a worker goroutine and
// waits for it, honouring ctx cancellation — §5's "blocking SDKs ...
// dispatch to a bounded worker pool; never call from the request-serving
// cooperative context directly".
func runOffGoroutine(ctx context.Context, fn func() (string, error)) (string, error) {
	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Launch implements the whole of §4.4 for one model/slot pair.
func (l *Launcher) Launch(ctx context.Context, modelID string, slotIndex int) (registry.Instance, error) {
	log := l.log.WithField("model_id", modelID).WithField("slot", slotIndex)

	modelPath := modelID
	var tokenizer, hfConfigPath string

	switch {
	case gguf.IsGGUFRepo(modelID):
		path, base, err := l.resolveGGUFRepo(ctx, modelID)
		if err != nil {
			return registry.Instance{}, err
		}
		modelPath, tokenizer, hfConfigPath = path, base, base
	case gguf.IsDirectGGUFPath(modelID):
		if base, ok := gguf.BaseRepoFromDirectPath(modelID); ok {
			tokenizer, hfConfigPath = base, base
		}
	}

	maxLen := 0
	if tokenizer != "" {
		maxLen = l.meta.FetchMaxLen(ctx, tokenizer)
	} else if !strings.HasPrefix(modelID, "/") {
		maxLen = l.meta.FetchMaxLen(ctx, modelID)
	}

	args := l.buildArgs(modelID, modelPath, tokenizer, hfConfigPath, maxLen)

	containerName := fmt.Sprintf("%s_%d", l.cfg.ContainerNamePrefix, slotIndex)
	if err := l.cleanupStale(ctx, containerName); err != nil {
		return registry.Instance{}, err
	}

	handle, err := l.runtime.Create(ctx, containerrt.CreateSpec{
		Name:       containerName,
		Image:      l.cfg.EngineImage,
		Command:    args,
		Env:        l.buildEnv(),
		Network:    l.network,
		GPUDevices: true,
		IPCMode:    "host",
		Hostname:   containerName,
		Mounts: []containerrt.Mount{
			{HostPath: l.cfg.HostCacheDir, ContainerPath: "/root/.cache/huggingface"},
			{HostPath: "/tmp", ContainerPath: "/tmp"},
		},
	})
	if err != nil {
		return registry.Instance{}, gwerrors.NewOrchestrationError(err, "failed to start model container")
	}

	inspection, err := l.runtime.Inspect(ctx, handle, l.network)
	if err != nil || inspection.NetworkIP == "" {
		l.runtime.Stop(ctx, handle, staleContainerStopTimeout)
		_ = l.runtime.Remove(ctx, handle)
		return registry.Instance{}, gwerrors.NewOrchestrationError(err, "failed to resolve container network IP")
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(l.cfg.EnginePort))
	if err != nil {
		l.runtime.Stop(ctx, handle, staleContainerStopTimeout)
		_ = l.runtime.Remove(ctx, handle)
		return registry.Instance{}, gwerrors.NewOrchestrationError(err, "invalid engine port %d", l.cfg.EnginePort)
	}
	endpoint := fmt.Sprintf("%s:%s", inspection.NetworkIP, port.Port())

	tailSize := l.logTailBytes()
	tail := tailbuffer.NewTailBuffer(tailSize)
	logCtx, stopLogStream := context.WithCancel(ctx)
	go func() { _ = l.runtime.StreamLogs(logCtx, handle, tail) }()
	defer stopLogStream()

	if err := l.probeHealth(ctx, log, endpoint); err != nil {
		l.runtime.Stop(ctx, handle, staleContainerStopTimeout)
		_ = l.runtime.Remove(ctx, handle)
		log.WithField("tail_bytes_captured", tail.Buffered()).Warn("launcher: probe deadline exceeded")
		return registry.Instance{}, gwerrors.NewOrchestrationError(err, "model failed to start in allocated time: %s", readTail(tail, tailSize))
	}

	return registry.Instance{
		ModelID:       modelID,
		SlotIndex:     slotIndex,
		Endpoint:      endpoint,
		LastUsedAt:    time.Now(),
		VRAMMiB:       0,
		Handle:        handle,
		ContainerName: containerName,
	}, nil
}

// Stop tears down a previously-launched instance (used by eviction and the
// idle reaper, both in the admission package).
func (l *Launcher) Stop(ctx context.Context, inst registry.Instance) error {
	if err := l.runtime.Stop(ctx, inst.Handle, staleContainerStopTimeout); err != nil {
		l.log.WithField("model_id", inst.ModelID).WithError(err).Warn("launcher: stop failed")
	}
	if err := l.runtime.Remove(ctx, inst.Handle); err != nil {
		return gwerrors.NewOrchestrationError(err, "failed to remove container %s", inst.ContainerName)
	}
	return nil
}

func (l *Launcher) resolveGGUFRepo(ctx context.Context, modelID string) (path string, baseRepo string, err error) {
	files, err := l.meta.ListGGUFFiles(modelID)
	if err != nil {
		return "", "", gwerrors.NewOrchestrationError(err, "failed to download GGUF model")
	}
	selected := gguf.SelectWeightFile(modelID, files)
	if selected == "" {
		return "", "", gwerrors.NewOrchestrationError(nil, "failed to download GGUF model: no .gguf files in %s", modelID)
	}

	local, err := l.downloads(ctx, func() (string, error) {
		return l.meta.Download(modelID, selected)
	})
	if err != nil {
		return "", "", gwerrors.NewOrchestrationError(err, "failed to download GGUF model")
	}

	return local, gguf.BaseRepo(modelID), nil
}

// buildArgs implements §4.4's "Command construction".
func (l *Launcher) buildArgs(modelID, modelPath, tokenizer, hfConfigPath string, maxLen int) []string {
	args := []string{
		"--model", modelPath,
		"--gpu-memory-utilization", l.cfg.GPUMemoryUtilization,
	}
	if l.cfg.SwapSpaceGiB > 0 {
		args = append(args, "--swap-space", strconv.Itoa(l.cfg.SwapSpaceGiB))
	}
	if n := effectiveMaxLen(maxLen, l.cfg.GlobalMaxModelLen); n > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(n))
	}
	if l.cfg.MaxNumSeqs > 0 {
		args = append(args, "--max-num-seqs", strconv.Itoa(l.cfg.MaxNumSeqs))
	}
	if l.cfg.TensorParallelSize > 0 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(l.cfg.TensorParallelSize))
	}
	for _, prefix := range l.cfg.AsyncSchedulingPrefixes {
		if strings.HasPrefix(modelID, prefix) {
			args = append(args, "--async-scheduling")
			break
		}
	}
	if tokenizer != "" {
		args = append(args, "--tokenizer", tokenizer)
	}
	if hfConfigPath != "" {
		args = append(args, "--hf-config-path", hfConfigPath)
	}
	return args
}

// effectiveMaxLen implements §4.4: "n = min(model_max, global_cap) if both
// > 0 else whichever is > 0; absent if neither."
func effectiveMaxLen(modelMax, globalCap int) int {
	switch {
	case modelMax > 0 && globalCap > 0:
		if modelMax < globalCap {
			return modelMax
		}
		return globalCap
	case modelMax > 0:
		return modelMax
	case globalCap > 0:
		return globalCap
	default:
		return 0
	}
}

func (l *Launcher) buildEnv() []string {
	env := []string{}
	if l.cfg.HuggingFaceHubToken != "" {
		env = append(env, "HUGGING_FACE_HUB_TOKEN="+l.cfg.HuggingFaceHubToken)
	}
	env = append(env, "VLLM_ALLOW_LONG_MAX_MODEL_LEN=1")
	return env
}

// cleanupStale implements §4.4's "Stale-container cleanup".
func (l *Launcher) cleanupStale(ctx context.Context, containerName string) error {
	handle, found, err := l.runtime.GetByName(ctx, containerName)
	if err != nil {
		return gwerrors.NewOrchestrationError(err, "failed to inspect existing container %s", containerName)
	}
	if !found {
		return nil
	}

	l.log.WithField("container", containerName).Warn("launcher: stale container found, removing")
	if err := l.runtime.Stop(ctx, handle, staleContainerStopTimeout); err != nil {
		l.log.WithField("container", containerName).WithError(err).Warn("launcher: stale stop failed, continuing")
	}
	_ = l.runtime.Remove(ctx, handle)

	for i := 0; i < staleContainerPollAttempts; i++ {
		if _, found, err := l.runtime.GetByName(ctx, containerName); err == nil && !found {
			return nil
		}
		select {
		case <-time.After(staleContainerPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, found, _ := l.runtime.GetByName(ctx, containerName); found {
		return gwerrors.NewOrchestrationError(nil, "stale container %s could not be removed", containerName)
	}
	return nil
}

// readTail drains whatever the ring buffer currently holds into a string
// for the error message; tailBuffer.Read never blocks, it only returns
// what has been written so far.
func readTail(rw io.ReadWriter, size uint) string {
	buf := make([]byte, size)
	n, _ := rw.Read(buf)
	if n == 0 {
		return "(no container output captured)"
	}
	return string(buf[:n])
}

// probeHealth implements §4.4's "Creation & health probe".
func (l *Launcher) probeHealth(ctx context.Context, log logging.Logger, endpoint string) error {
	url := fmt.Sprintf("http://%s/health", endpoint)
	lastLog := time.Now()

	for attempt := 0; attempt < healthProbeMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := l.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		if time.Since(lastLog) >= healthProbeLogInterval {
			log.WithField("elapsed", time.Duration(attempt)*healthProbeInterval).Info("launcher: waiting for model to become healthy")
			lastLog = time.Now()
		}

		select {
		case <-time.After(healthProbeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("health probe deadline exceeded after %d attempts", healthProbeMaxAttempts)
}
