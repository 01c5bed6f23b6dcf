package balancer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/steveteneriello/browserless/errgroup"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
)

// probeFunc checks one backend endpoint, returning the observed latency.
type probeFunc func(ctx context.Context, url string) (time.Duration, error)

// Start launches the periodic health-check loop.
func (lb *Balancer) Start() {
	if lb.cfg.HealthCheckInterval <= 0 {
		return
	}

	lb.wg.Add(1)

	go lb.healthLoop()
}

// Stop halts the health-check loop.
func (lb *Balancer) Stop() {
	lb.stopOnce.Do(func() { close(lb.stopChan) })
	lb.wg.Wait()
}

func (lb *Balancer) healthLoop() {
	defer lb.wg.Done()
	defer runtime.Recover(context.Background(), lb.logger, "balancer", "health_loop")

	ticker := time.NewTicker(lb.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lb.CheckAll(context.Background())
		case <-lb.stopChan:
			return
		}
	}
}

// CheckAll probes every backend concurrently. Probes are isolated: one
// failing or slow probe neither cancels nor delays the others, so the
// group collects results per backend rather than failing fast.
func (lb *Balancer) CheckAll(ctx context.Context) {
	lb.mu.Lock()
	targets := make([]Selection, 0, len(lb.backends))

	for _, b := range lb.backends {
		targets = append(targets, Selection{ID: b.ID, URL: b.URL})
	}
	lb.mu.Unlock()

	grp, _ := errgroup.WithContext(ctx)
	grp.SetLogger(lb.logger)

	for _, target := range targets {
		t := target

		// Local backends have no remote endpoint to probe; the launch
		// path surfaces their failures instead.
		if t.URL == "" {
			lb.recordProbe(t.ID, 0, nil)
			continue
		}

		grp.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, lb.cfg.ProbeTimeout)
			defer cancel()

			latency, err := lb.probe(probeCtx, t.URL)
			lb.recordProbe(t.ID, latency, err)

			// Probe outcomes are recorded per backend, never propagated.
			return nil
		})
	}

	_ = grp.Wait()
}

// recordProbe applies one probe result to the registry.
func (lb *Balancer) recordProbe(id string, latency time.Duration, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	b := lb.find(id)
	if b == nil {
		return
	}

	b.LastCheck = time.Now()

	if err != nil {
		wasHealthy := b.Healthy
		b.Healthy = false
		b.ErrorCount++

		if wasHealthy {
			lb.logger.Log(context.Background(), log.LevelWarn, "backend unhealthy",
				log.String("backend", id),
				log.Err(err))
		}

		return
	}

	if !b.Healthy {
		lb.logger.Log(context.Background(), log.LevelInfo, "backend recovered",
			log.String("backend", id))
	}

	b.Healthy = true
	b.ResponseTime = latency
}

// httpProbe issues a GET against the backend's version endpoint, the
// cheapest call a CDP-speaking backend answers.
func httpProbe(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/json/version", nil)
	if err != nil {
		return 0, fmt.Errorf("balancer: build probe request: %w", err)
	}

	started := time.Now()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("balancer: probe failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	latency := time.Since(started)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return latency, fmt.Errorf("balancer: probe returned status %d", resp.StatusCode)
	}

	return latency, nil
}
