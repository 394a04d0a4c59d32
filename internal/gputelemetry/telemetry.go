// Package gputelemetry implements the GPU telemetry external collaborator
// (total_vram_mib / used_vram_mib). It shells out to nvidia-smi the way
// GinoKube's llama.cpp gateway queries GPU memory, avoiding the cgo
// dependency the teacher's own pkg/gpuinfo uses for the same purpose —
// cgo complicates cross-compiling the gateway binary for no benefit here,
// since nvidia-smi is always present alongside a usable NVIDIA runtime.
package gputelemetry

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/TKontu/vllm-gateway/internal/logging"
)

// Telemetry exposes total_vram_mib() and used_vram_mib() summed across
// every visible GPU, matching the single global VRAM budget in §3.
type Telemetry struct {
	log logging.Logger
}

func New(log logging.Logger) *Telemetry {
	return &Telemetry{log: log}
}

type sample struct {
	totalMiB int64
	usedMiB  int64
}

// query runs nvidia-smi once and sums memory.total / memory.used across
// every reported device. A query failure (no NVIDIA runtime visible, or
// nvidia-smi absent) yields a zero sample, which the caller treats as
// "accounting disabled" per §4.1's total_vram_mib=0 semantics.
func (t *Telemetry) query(ctx context.Context) sample {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		t.log.WithError(err).Debug("gputelemetry: nvidia-smi unavailable, VRAM accounting disabled")
		return sample{}
	}

	var s sample
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		total, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		used, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		s.totalMiB += total
		s.usedMiB += used
	}
	return s
}

// TotalVRAMMiB queries nvidia-smi on every call; nothing is cached here.
// main calls it once at startup and hands the value to the admission
// controller as the global budget (0 disables accounting).
func (t *Telemetry) TotalVRAMMiB(ctx context.Context) int64 {
	return t.query(ctx).totalMiB
}

// UsedVRAMMiB is sampled live on every call: discovery (§4.5 branch A)
// depends on fresh before/after samples.
func (t *Telemetry) UsedVRAMMiB(ctx context.Context) int64 {
	return t.query(ctx).usedMiB
}
