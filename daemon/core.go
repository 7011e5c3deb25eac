// Package daemon serves session negotiation to web pages over a local
// WebSocket endpoint.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/keystore"
	"github.com/projecteru2/vmcpd/localconfig"
	"github.com/projecteru2/vmcpd/metrics"
	"github.com/projecteru2/vmcpd/negotiation"
	"github.com/projecteru2/vmcpd/registry"
	"github.com/projecteru2/vmcpd/throttle"
)

// AuthKeyTTL is how long a key from NewAuthKey grants privileges.
const AuthKeyTTL = 5 * time.Minute

// Core owns the process-wide state shared by every connection.
type Core struct {
	conf       *config.Config
	keystore   *keystore.Store
	throttle   *throttle.Guard
	registry   *registry.Registry
	hypervisor hypervisor.Hypervisor
	pipeline   *negotiation.Pipeline
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	mu       sync.Mutex
	authKeys map[string]time.Time
	now      func() time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCore wires the negotiation pipeline around hv, dl and ks.
func NewCore(conf *config.Config, hv hypervisor.Hypervisor, dl download.Downloader, ks *keystore.Store) (*Core, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Core{
		conf:       conf,
		keystore:   ks,
		throttle:   throttle.New(conf.ThrottleWindow, conf.ThrottleTries),
		registry:   registry.New(),
		hypervisor: hv,
		metrics:    metrics.New(reg),
		gatherer:   reg,
		authKeys:   map[string]time.Time{},
		now:        time.Now,
		stopped:    make(chan struct{}),
	}
	p, err := negotiation.New(negotiation.Deps{
		Keystore:   ks,
		Throttle:   c.throttle,
		Registry:   c.registry,
		Hypervisor: hv,
		Downloader: dl,
		Local:      localconfig.New(conf),
		Metrics:    c.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	c.pipeline = p
	return c, nil
}

// NewAuthKey mints a key that makes a connection privileged when presented
// in its handshake within AuthKeyTTL.
func (c *Core) NewAuthKey() string {
	key := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authKeys[key] = c.now().Add(AuthKeyTTL)
	return key
}

// AuthKeyValid reports whether key was minted and has not expired.
// Expired keys are dropped.
func (c *Core) AuthKeyValid(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, expire := range c.authKeys {
		if !now.Before(expire) {
			delete(c.authKeys, k)
		}
	}
	_, ok := c.authKeys[key]
	return ok
}

// Negotiate runs one negotiation synchronously on the shared pipeline.
func (c *Core) Negotiate(ctx context.Context, req negotiation.Request, sink negotiation.Sink) {
	c.pipeline.Negotiate(ctx, req, sink)
}

// Registry exposes the live sessions.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Throttle exposes the denial guard.
func (c *Core) Throttle() *throttle.Guard { return c.throttle }

// Shutdown asks the server to stop. It is safe to call more than once.
func (c *Core) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Done is closed once Shutdown was called.
func (c *Core) Done() <-chan struct{} { return c.stopped }

// Close releases every live session and waits for running negotiations.
func (c *Core) Close(ctx context.Context) {
	logger := log.WithFunc("daemon.Close")
	c.pipeline.Wait()
	n := 0
	for _, rec := range c.registry.List() {
		if c.registry.Release(ctx, rec.ID) {
			n++
		}
	}
	c.metrics.SetSessions(c.registry.Len())
	logger.Infof(ctx, "released %d sessions", n)
}
