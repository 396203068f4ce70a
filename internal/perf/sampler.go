package perf

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/events"
)

// Sample is one point-in-time resource measurement. Process fields are
// zero when the server is not running.
type Sample struct {
	Time             time.Time `json:"time"`
	ProcessCPU       float64   `json:"process_cpu"`
	ProcessMemoryMB  float64   `json:"process_memory_mb"`
	SystemCPU        float64   `json:"system_cpu"`
	SystemMemoryUsed float64   `json:"system_memory_used"`
	ServerRunning    bool      `json:"server_running"`
}

// Sampler measures host and server process resource usage on a fixed
// interval, keeping a bounded in-memory history.
type Sampler struct {
	cfg  *config.PerfConfig
	pid  func() int
	feed *events.Feed[Sample]

	mu    sync.Mutex
	ring  []Sample
	next  int
	count int
}

// NewSampler creates a sampler that resolves the server pid through the
// given function on each tick.
func NewSampler(cfg *config.PerfConfig, pid func() int) *Sampler {
	size := cfg.HistorySize
	if size <= 0 {
		size = 288
	}
	return &Sampler{
		cfg:  cfg,
		pid:  pid,
		feed: events.NewFeed[Sample](),
		ring: make([]Sample, size),
	}
}

// Sampled fires with every completed measurement.
func (s *Sampler) Sampled() *events.Feed[Sample] { return s.feed }

// Run samples on the configured interval until the context ends.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SampleIntervalDuration())
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	sample := Sample{Time: time.Now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sample.SystemCPU = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.SystemMemoryUsed = vm.UsedPercent
	}

	if pid := s.pid(); pid > 0 {
		if proc, err := gopsproc.NewProcess(int32(pid)); err == nil {
			sample.ServerRunning = true
			if pct, err := proc.CPUPercent(); err == nil {
				sample.ProcessCPU = pct
			}
			if info, err := proc.MemoryInfo(); err == nil {
				sample.ProcessMemoryMB = float64(info.RSS) / (1024 * 1024)
			}
		} else {
			log.Printf("[Perf] Pid %d not sampleable: %v", pid, err)
		}
	}

	s.record(sample)
	s.feed.Publish(sample)
}

func (s *Sampler) record(sample Sample) {
	s.mu.Lock()
	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.mu.Unlock()
}

// Latest returns the most recent sample, if any exist.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return Sample{}, false
	}
	idx := (s.next - 1 + len(s.ring)) % len(s.ring)
	return s.ring[idx], true
}

// History returns all retained samples oldest-first.
func (s *Sampler) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Sample, 0, s.count)
	start := 0
	if s.count == len(s.ring) {
		start = s.next
	}
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}
