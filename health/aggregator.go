// Package health aggregates the health of every worker into a single status
// and persists it for the external health check, which reads the first line
// of the status file: 0 is healthy, 1 is unhealthy.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/luma/hiqbridge/queue"
)

// Reporter is implemented by anything that accepts health reports
type Reporter interface {
	Report(id string, ok bool)
}

// ReporterFunc adapts a function to a Reporter
type ReporterFunc func(id string, ok bool)

func (f ReporterFunc) Report(id string, ok bool) { f(id, ok) }

type statusDetail struct {
	Healthy    bool            `yaml:"healthy"`
	Updated    time.Time       `yaml:"updated"`
	Components map[string]bool `yaml:"components"`
}

type Aggregator struct {
	path    string
	log     *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	status map[string]bool

	// ids that changed, the writer only needs to know something did
	dirty *queue.Bounded[string]
}

// NewAggregator returns an aggregator persisting to path. Every id in
// expected starts unhealthy, so the overall status stays unhealthy until
// each of them has reported in.
func NewAggregator(path string, expected []string, log *zap.Logger, metrics *Metrics) *Aggregator {
	status := make(map[string]bool, len(expected))
	for _, id := range expected {
		status[id] = false
	}

	return &Aggregator{
		path:    path,
		log:     log.Named("health"),
		metrics: metrics,
		status:  status,
		dirty:   queue.New[string](50),
	}
}

// Report records the health of id. It never blocks.
func (a *Aggregator) Report(id string, ok bool) {
	a.mu.Lock()
	prev, known := a.status[id]
	a.status[id] = ok
	a.mu.Unlock()

	a.metrics.SetUp(id, ok)

	if !known || prev != ok {
		a.dirty.Push(id)
	}
}

// Healthy is true when every component is healthy. No components is
// unhealthy.
func (a *Aggregator) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.healthy()
}

func (a *Aggregator) healthy() bool {
	if len(a.status) == 0 {
		return false
	}
	for _, ok := range a.status {
		if !ok {
			return false
		}
	}
	return true
}

func (a *Aggregator) Snapshot() map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]bool, len(a.status))
	for id, ok := range a.status {
		out[id] = ok
	}
	return out
}

// Run persists the status once at start and after every change until ctx
// is done, then marks the process unhealthy.
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.WriteStatus(false); err != nil {
		a.log.Error("Failed to write health status", zap.String("path", a.path), zap.Error(err))
	}

	for {
		id, err := a.dirty.Pop(ctx)
		if err != nil {
			break
		}

		// one write covers everything queued so far
		changed := append([]string{id}, a.dirty.Drain()...)

		healthy := a.Healthy()
		a.log.Info("Health changed",
			zap.Strings("components", changed),
			zap.Bool("healthy", healthy),
		)

		if err := a.WriteStatus(healthy); err != nil {
			a.log.Error("Failed to write health status", zap.String("path", a.path), zap.Error(err))
		}
	}

	return a.WriteStatus(false)
}

// WriteStatus atomically replaces the status file
func (a *Aggregator) WriteStatus(healthy bool) error {
	detail := statusDetail{
		Healthy:    healthy,
		Updated:    time.Now().UTC(),
		Components: a.Snapshot(),
	}

	body, err := yaml.Marshal(&detail)
	if err != nil {
		return err
	}

	code := "1"
	if healthy {
		code = "0"
	}

	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}

	if _, err := fmt.Fprintf(tmp, "%s\n%s", code, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), a.path)
}

// IDs returns the known component ids in order
func (a *Aggregator) IDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.status))
	for id := range a.status {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Reporter = (*Aggregator)(nil)
