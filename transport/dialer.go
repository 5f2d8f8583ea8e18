package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const failedSeedCooldown = 5 * time.Minute

// SeedDialer keeps outbound links to the configured seed nodes. A seed that
// failed is skipped for a cooldown before it is tried again.
type SeedDialer struct {
	hub      *Hub
	seeds    []string
	interval time.Duration
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time

	// Track failed addresses to avoid retry spam
	failedAddresses map[string]time.Time // address -> last failure time
	failedMutex     sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSeedDialer(hub *Hub, seeds []string, interval time.Duration, logger *zap.Logger) *SeedDialer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SeedDialer{
		hub:             hub,
		seeds:           seeds,
		interval:        interval,
		cooldown:        failedSeedCooldown,
		logger:          logger,
		now:             time.Now,
		failedAddresses: make(map[string]time.Time),
	}
}

// Start dials every seed at once and then re-checks on each interval.
func (d *SeedDialer) Start(ctx context.Context) {
	if len(d.seeds) == 0 {
		d.logger.Info("no seed nodes configured, waiting for inbound peers")
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.Bootstrap(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Bootstrap(ctx)
			}
		}
	}()
}

func (d *SeedDialer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Bootstrap makes one pass over the seeds and returns how many new links
// were opened.
func (d *SeedDialer) Bootstrap(ctx context.Context) int {
	linked := 0
	for _, addr := range d.seeds {
		if ctx.Err() != nil {
			break
		}
		if d.hub.ConnectedTo(addr) || d.recentlyFailed(addr) {
			continue
		}
		if d.dial(ctx, addr) {
			linked++
		}
	}
	return linked
}

func (d *SeedDialer) recentlyFailed(addr string) bool {
	d.failedMutex.RLock()
	lastFailed, failed := d.failedAddresses[addr]
	d.failedMutex.RUnlock()
	return failed && d.now().Sub(lastFailed) < d.cooldown
}

func (d *SeedDialer) dial(ctx context.Context, addr string) bool {
	dctx, cancel := context.WithTimeout(ctx, d.hub.opts.HandshakeTimeout)
	defer cancel()

	err := d.hub.Connect(dctx, addr)
	if errors.Is(err, ErrDuplicatePeer) {
		// the seed already linked to us inbound
		return false
	}
	if err != nil {
		d.failedMutex.Lock()
		d.failedAddresses[addr] = d.now()
		failCount := len(d.failedAddresses)
		d.failedMutex.Unlock()

		d.logger.Warn("seed dial failed",
			zap.String("address", addr), zap.Int("failed_seeds", failCount), zap.Error(err))
		return false
	}

	// Clear from failed list if it was there
	d.failedMutex.Lock()
	delete(d.failedAddresses, addr)
	d.failedMutex.Unlock()
	return true
}
