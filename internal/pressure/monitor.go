// Package pressure exposes the process memory pressure level: a read-mostly
// gauge fed by a periodic resident-memory sample plus externally raised
// low-memory events, and an edge-triggered broadcast that cache collaborators
// subscribe to for "reduce pressure now" notifications.
package pressure

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level classifies current resource pressure.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config controls sampling cadence and the byte thresholds mapping a heap
// sample to a pressure level.
type Config struct {
	SampleInterval time.Duration
	ElevatedBytes  uint64
	HighBytes      uint64
	CriticalBytes  uint64

	// Sample overrides the memory reading. Tests inject deterministic values;
	// the default reads runtime heap usage.
	Sample func() uint64
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.ElevatedBytes == 0 {
		c.ElevatedBytes = 256 << 20
	}
	if c.HighBytes == 0 {
		c.HighBytes = 512 << 20
	}
	if c.CriticalBytes == 0 {
		c.CriticalBytes = 1 << 30
	}
	if c.Sample == nil {
		c.Sample = heapBytes
	}
}

// Monitor is the process-wide pressure gauge. Construct one at startup and
// pass it explicitly to the components that consult it.
type Monitor struct {
	cfg Config

	mu          sync.RWMutex
	level       Level
	lastSample  uint64
	subscribers []func(Level)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewMonitor creates a monitor. Call Start to begin sampling.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:   cfg,
		level: LevelNormal,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the periodic sampler. It samples once immediately so the
// gauge is meaningful before the first tick.
func (m *Monitor) Start() {
	m.sampleOnce()
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleOnce()
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the sampler. The monitor lives for the whole process; this
// exists for orderly shutdown and tests.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	// Only the sampler goroutine closes done; waiting on it without Start
	// would block forever.
	if started {
		<-m.done
	}
}

// Level returns the current pressure level.
func (m *Monitor) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Subscribe registers a callback invoked whenever the level rises. The
// broadcast is edge-triggered: level decreases are silent.
func (m *Monitor) Subscribe(fn func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// RaiseCritical records an externally delivered low-memory event. The level
// decays back to the sampled value on the next tick.
func (m *Monitor) RaiseCritical() {
	m.setLevel(LevelCritical, m.currentSample())
}

// Register exposes the monitor on a prometheus registry: resident bytes and
// the numeric pressure level.
func (m *Monitor) Register(reg prometheus.Registerer) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatvault",
		Subsystem: "pressure",
		Name:      "heap_bytes",
		Help:      "Last sampled heap usage in bytes.",
	}, func() float64 {
		return float64(m.currentSample())
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatvault",
		Subsystem: "pressure",
		Name:      "level",
		Help:      "Pressure level: 0 normal, 1 elevated, 2 high, 3 critical.",
	}, func() float64 {
		return float64(m.Level())
	}))
}

func (m *Monitor) currentSample() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSample
}

func (m *Monitor) sampleOnce() {
	sampled := m.cfg.Sample()

	level := LevelNormal
	switch {
	case sampled >= m.cfg.CriticalBytes:
		level = LevelCritical
	case sampled >= m.cfg.HighBytes:
		level = LevelHigh
	case sampled >= m.cfg.ElevatedBytes:
		level = LevelElevated
	}
	m.setLevel(level, sampled)
}

func (m *Monitor) setLevel(level Level, sampled uint64) {
	m.mu.Lock()
	prev := m.level
	m.level = level
	m.lastSample = sampled
	var subs []func(Level)
	if level > prev {
		subs = make([]func(Level), len(m.subscribers))
		copy(subs, m.subscribers)
	}
	m.mu.Unlock()

	if level > prev {
		slog.Warn("memory pressure raised",
			"from", prev.String(),
			"to", level.String(),
			"sampled_bytes", sampled,
		)
		for _, fn := range subs {
			fn(level)
		}
	}
}

func heapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
