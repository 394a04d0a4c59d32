// Package admission implements C5, the Admission Controller: the heart of
// the system, resolving "where does this request go?" via cache-hit,
// discovery, known-footprint, or accounting-disabled paths, and owning
// eviction policy (§4.5).
package admission

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"github.com/TKontu/vllm-gateway/internal/config"
	"github.com/TKontu/vllm-gateway/internal/footprint"
	"github.com/TKontu/vllm-gateway/internal/gputelemetry"
	"github.com/TKontu/vllm-gateway/internal/gwerrors"
	"github.com/TKontu/vllm-gateway/internal/launcher"
	"github.com/TKontu/vllm-gateway/internal/locks"
	"github.com/TKontu/vllm-gateway/internal/logging"
	"github.com/TKontu/vllm-gateway/internal/registry"
)

const (
	// minAccountableFootprintMiB is the ">256" threshold used both as the
	// FootprintStore's minimum value (§3) and discovery's "measured > 256"
	// persistence gate (§4.5 branch A).
	minAccountableFootprintMiB = 256

	discoverySampleCount = 3
)

// discoverySampleInterval is a var rather than a const so tests can shrink
// it; production always samples at the §4.5 cadence of 15s x3.
var discoverySampleInterval = 15 * time.Second

// launcherAPI is the subset of *launcher.Launcher the controller depends
// on. Declared as an interface, the same way launcher.MetadataClient is,
// so tests can substitute a fake instead of driving a real Docker daemon.
type launcherAPI interface {
	Launch(ctx context.Context, modelID string, slotIndex int) (registry.Instance, error)
	Stop(ctx context.Context, inst registry.Instance) error
}

// telemetryAPI is the subset of *gputelemetry.Telemetry the controller
// depends on, for the same reason as launcherAPI.
type telemetryAPI interface {
	UsedVRAMMiB(ctx context.Context) int64
}

// Controller is the single value constructed at startup that owns every
// piece of process-wide mutable state (§9: "a single Controller value
// constructed at startup ... No implicit process-wide singletons").
type Controller struct {
	cfg        *config.Config
	reg        *registry.Registry
	footprints *footprint.Store
	telemetry  telemetryAPI
	launch     launcherAPI
	startLocks *locks.Table

	totalVRAMMiB int64
	log          logging.Logger
}

func NewController(cfg *config.Config, reg *registry.Registry, footprints *footprint.Store, telemetry *gputelemetry.Telemetry, launch *launcher.Launcher, totalVRAMMiB int64, log logging.Logger) *Controller {
	return &Controller{
		cfg:          cfg,
		reg:          reg,
		footprints:   footprints,
		telemetry:    telemetry,
		launch:       launch,
		startLocks:   locks.NewTable(),
		totalVRAMMiB: totalVRAMMiB,
		log:          log,
	}
}

// Admit resolves target (a canonical model id already validated against
// the allowlist by the HTTP boundary) to a live instance, performing
// discovery, eviction, or launch as needed (§4.5 steps 2-5).
func (c *Controller) Admit(ctx context.Context, target string) (registry.Instance, error) {
	if inst, ok := c.reg.FindByModel(target); ok {
		return inst, nil
	}

	mu := c.startLocks.Get(target)
	mu.Lock()
	defer mu.Unlock()

	if inst, ok := c.reg.FindByModel(target); ok {
		return inst, nil
	}

	log := c.log.WithField("model_id", target)

	if c.totalVRAMMiB == 0 {
		return c.admitAccountingDisabled(ctx, log, target)
	}

	if footprintMiB, known := c.footprints.Get(target); known {
		return c.admitKnownFootprint(ctx, log, target, footprintMiB)
	}

	return c.admitDiscovery(ctx, log, target)
}

// admitDiscovery implements §4.5 Branch A.
func (c *Controller) admitDiscovery(ctx context.Context, log logging.Logger, target string) (registry.Instance, error) {
	log.Info("admission: footprint unknown, running cold-cache discovery")

	c.reg.Lock()
	victims := c.reg.SnapshotLocked()
	for _, v := range victims {
		c.reg.RemoveLocked(v.SlotIndex)
	}
	c.reg.Unlock()

	for _, v := range victims {
		c.evict(ctx, log, v)
	}

	// Discovery always runs alone: every live instance was just evicted
	// above (§4.5 Branch A has no known footprint to budget against), so
	// the first and only slot is 0.
	const slot = 0

	vramBefore := c.telemetry.UsedVRAMMiB(ctx)

	inst, err := c.launch.Launch(ctx, target, slot)
	if err != nil {
		return registry.Instance{}, err
	}

	var vramAfter int64
	for i := 0; i < discoverySampleCount; i++ {
		select {
		case <-time.After(discoverySampleInterval):
		case <-ctx.Done():
			c.reg.Insert(inst)
			return inst, nil
		}
		sample := c.telemetry.UsedVRAMMiB(ctx)
		if sample > vramAfter {
			vramAfter = sample
		}
	}

	measured := vramAfter - vramBefore
	if measured > minAccountableFootprintMiB {
		c.footprints.Put(target, measured)
		inst.VRAMMiB = measured
		log.WithField("vram_mib", measured).WithField("vram_human", units.BytesSize(float64(measured)*1024*1024)).
			Info("admission: discovery measured footprint")
	} else {
		log.Warn("admission: discovery measurement <= 256 MiB, leaving instance unaccounted")
	}

	c.reg.Insert(inst)
	return inst, nil
}

// admitKnownFootprint implements §4.5 Branch B.
func (c *Controller) admitKnownFootprint(ctx context.Context, log logging.Logger, target string, footprintMiB int64) (registry.Instance, error) {
	c.reg.Lock()
	current := c.reg.SumVRAMLocked()
	var victims []registry.Instance
	if current+footprintMiB > c.totalVRAMMiB {
		for _, v := range c.reg.LRUOrderLocked() {
			victims = append(victims, v)
			current -= v.VRAMMiB
			if current+footprintMiB <= c.totalVRAMMiB {
				break
			}
		}
	}
	for _, v := range victims {
		c.reg.RemoveLocked(v.SlotIndex)
	}
	slot := c.reg.AllocateSlotLocked()
	c.reg.Unlock()

	for _, v := range victims {
		log.WithField("evicted_model_id", v.ModelID).
			WithField("freed_vram_human", units.BytesSize(float64(v.VRAMMiB)*1024*1024)).
			Info("admission: evicting LRU victim")
		c.evict(ctx, log, v)
	}

	inst, err := c.launch.Launch(ctx, target, slot)
	if err != nil {
		return registry.Instance{}, err
	}
	inst.VRAMMiB = footprintMiB
	c.reg.Insert(inst)
	return inst, nil
}

// admitAccountingDisabled implements §4.5 Branch C.
func (c *Controller) admitAccountingDisabled(ctx context.Context, log logging.Logger, target string) (registry.Instance, error) {
	c.reg.Lock()
	victims := c.reg.SnapshotLocked()
	for _, v := range victims {
		c.reg.RemoveLocked(v.SlotIndex)
	}
	c.reg.Unlock()

	for _, v := range victims {
		c.evict(ctx, log, v)
	}

	inst, err := c.launch.Launch(ctx, target, 0)
	if err != nil {
		return registry.Instance{}, err
	}
	c.reg.Insert(inst)
	return inst, nil
}

func (c *Controller) evict(ctx context.Context, log logging.Logger, inst registry.Instance) {
	if err := c.launch.Stop(ctx, inst); err != nil {
		log.WithField("evicted_model_id", inst.ModelID).WithError(err).Warn("admission: eviction stop/remove failed")
	}
}

// Reap implements the Idle Reaper's per-tick sweep (§4.6): any instance
// whose LastUsedAt is older than idleTimeout is stopped and removed. No
// coordination with StartLocks is required (§4.6).
func (c *Controller) Reap(ctx context.Context) {
	if c.cfg.IdleTimeoutSeconds <= 0 {
		return
	}
	idleTimeout := time.Duration(c.cfg.IdleTimeoutSeconds) * time.Second

	c.reg.Lock()
	now := time.Now()
	var inactive []registry.Instance
	for _, inst := range c.reg.SnapshotLocked() {
		if now.Sub(inst.LastUsedAt) > idleTimeout {
			inactive = append(inactive, inst)
		}
	}
	for _, inst := range inactive {
		c.reg.RemoveLocked(inst.SlotIndex)
	}
	c.reg.Unlock()

	for _, inst := range inactive {
		log := c.log.WithField("model_id", inst.ModelID).WithField("slot", inst.SlotIndex)
		log.Info("reaper: tearing down idle instance")
		if err := c.launch.Stop(ctx, inst); err != nil {
			log.WithError(err).Warn("reaper: teardown failed")
		}
	}
}

// Registry exposes the underlying registry for the HTTP status endpoint
// and for C6's Touch calls.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Footprints exposes the footprint store for the status endpoint.
func (c *Controller) Footprints() *footprint.Store { return c.footprints }

// TotalVRAMMiB exposes the global budget for the status endpoint.
func (c *Controller) TotalVRAMMiB() int64 { return c.totalVRAMMiB }

// StatusSnapshot is the payload for GET /gateway/status (§6).
type StatusSnapshot struct {
	TotalGPUVRAMMiB    int64                  `json:"total_gpu_vram_mib"`
	KnownFootprintsMiB map[string]int64       `json:"known_footprints_mib"`
	ActiveContainers   map[string]InstanceDTO `json:"active_containers"`
}

// InstanceDTO is the per-instance shape in the status payload.
type InstanceDTO struct {
	ModelID      string `json:"model_id"`
	Endpoint     string `json:"endpoint"`
	LastUsedAt   string `json:"last_used_at"`
	VRAMMiB      int64  `json:"vram_mib"`
	RequestCount uint64 `json:"request_count"`
}

func (c *Controller) Status() StatusSnapshot {
	active := map[string]InstanceDTO{}
	for _, inst := range c.reg.Snapshot() {
		active[fmt.Sprintf("%s_%d", c.cfg.ContainerNamePrefix, inst.SlotIndex)] = InstanceDTO{
			ModelID:      inst.ModelID,
			Endpoint:     inst.Endpoint,
			LastUsedAt:   inst.LastUsedAt.Format(time.RFC3339),
			VRAMMiB:      inst.VRAMMiB,
			RequestCount: inst.RequestCount,
		}
	}
	return StatusSnapshot{
		TotalGPUVRAMMiB:    c.totalVRAMMiB,
		KnownFootprintsMiB: c.footprints.Snapshot(),
		ActiveContainers:   active,
	}
}

// Resolve validates and resolves an alias, per §4.1/§4.5 step 1.
func (c *Controller) Resolve(alias string) (string, error) {
	canonical, ok := c.cfg.Resolve(alias)
	if !ok {
		return "", gwerrors.NewClientError("model not allowed: %s", alias)
	}
	return canonical, nil
}

// Touch marks an instance as used now, for C6's forwarding path.
func (c *Controller) Touch(slotIndex int) { c.reg.Touch(slotIndex) }

// Aliases returns the configured client-facing aliases, for GET /v1/models.
func (c *Controller) Aliases() []string { return c.cfg.Aliases() }

// AllowedOrigins exposes the configured CORS allowlist to the HTTP
// frontend, so it need not read internal/config directly.
func (c *Controller) AllowedOrigins() []string { return c.cfg.AllowedOrigins }
