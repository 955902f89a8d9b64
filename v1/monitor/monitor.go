// Package monitor 周期性地依次轮询配置中的插座，缓存最近一次成功读数。
package monitor

import (
	"context"
	"sync"
	"time"

	v1log "plug-x/v1/log"
	"plug-x/v1/outlet"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Reading struct {
	Snapshot  outlet.Snapshot `json:"snapshot"`
	UpdatedAt time.Time       `json:"updated_at"`
	// 最近一次轮询失败的原因；失败时保留上一次成功的 Snapshot
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at,omitzero"`
}

type Monitor struct {
	outlets  []*outlet.Outlet
	interval time.Duration
	log      logrus.FieldLogger
	onChange func(prev, cur outlet.Snapshot)

	mu     sync.RWMutex
	latest map[string]Reading
}

// New 创建轮询器。
// 参数：
// - outlets: 待轮询的插座
// - interval: 轮询间隔
// - logger: 日志（nil 时使用全局 logger）
func New(outlets []*outlet.Outlet, interval time.Duration, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = v1log.L()
	}
	return &Monitor{
		outlets:  outlets,
		interval: interval,
		log:      logger,
		latest:   make(map[string]Reading, len(outlets)),
	}
}

// OnChange 注册状态变化回调（开关状态变化时触发，首次读数不触发）。
func (m *Monitor) OnChange(fn func(prev, cur outlet.Snapshot)) { m.onChange = fn }

// Run 立即轮询一次，之后按 interval 周期轮询，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{"outlets": len(m.outlets), "interval": m.interval.String()}).Info("monitor started")
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		m.PollOnce(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PollOnce 依次轮询所有插座一次，返回本轮失败数。
func (m *Monitor) PollOnce(ctx context.Context) int {
	cycle := uuid.NewString()
	entry := m.log.WithField("cycle", cycle)
	failed := 0
	for _, o := range m.outlets {
		if ctx.Err() != nil {
			return failed
		}
		snap, err := o.Snapshot(ctx)
		if err != nil {
			failed++
			entry.WithField("outlet", o.Name()).WithError(err).Warn("poll failed")
			m.recordError(o.Name(), err)
			continue
		}
		m.record(snap)
	}
	entry.WithFields(logrus.Fields{"outlets": len(m.outlets), "failed": failed}).Debug("poll cycle done")
	return failed
}

func (m *Monitor) record(snap outlet.Snapshot) {
	m.mu.Lock()
	prev, had := m.latest[snap.Name]
	m.latest[snap.Name] = Reading{Snapshot: snap, UpdatedAt: time.Now()}
	m.mu.Unlock()

	if had && prev.Snapshot.State != "" && prev.Snapshot.State != snap.State {
		m.log.WithFields(logrus.Fields{"outlet": snap.Name, "from": prev.Snapshot.State, "to": snap.State}).Info("outlet state changed")
		if m.onChange != nil {
			m.onChange(prev.Snapshot, snap)
		}
	}
}

func (m *Monitor) recordError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.latest[name]
	r.Snapshot.Name = name
	r.LastError = err.Error()
	r.FailedAt = time.Now()
	m.latest[name] = r
}

// Get 返回某个插座的最近读数。
func (m *Monitor) Get(name string) (Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.latest[name]
	return r, ok
}

// Latest 返回全部最近读数的拷贝。
func (m *Monitor) Latest() map[string]Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Reading, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}
