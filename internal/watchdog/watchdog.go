// Package watchdog implements the Health Watchdog (C2): a background task
// that periodically probes registered backends and flips their advisory
// availability flag. It never removes backends.
//
// Grounded on the teacher's ticker-plus-goroutine background loop idiom
// (internal/store/memory.go's traceEvictionLoop) and its per-backend
// concurrent-but-serialized probing style.
package watchdog

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/llamanexus/gateway/internal/registry"
	"github.com/llamanexus/gateway/pkg/models"
)

// Watchdog periodically probes every backend in the registry.
type Watchdog struct {
	reg      *registry.Registry
	client   *http.Client
	interval time.Duration
	doneCh   chan struct{}

	// locks serializes probes for one backend (probes run
	// concurrently across backends, serialized per backend per §4.2).
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// failureLog rate-limits repeated failure log lines per backend via
	// an exponential backoff clock, grounded on the teacher's use of
	// cenkalti/backoff for reconnect pacing (internal/mcpgw/gateway.go
	// analog, generalized here to log throttling).
	failureBackoff map[string]backoff.BackOff
	nextLogAt      map[string]time.Time
}

// New creates a watchdog that probes every interval seconds.
func New(reg *registry.Registry, interval time.Duration) *Watchdog {
	return &Watchdog{
		reg:            reg,
		client:         &http.Client{Timeout: 5 * time.Second},
		interval:       interval,
		doneCh:         make(chan struct{}),
		locks:          make(map[string]*sync.Mutex),
		failureBackoff: make(map[string]backoff.BackOff),
		nextLogAt:      make(map[string]time.Time),
	}
}

// Run blocks, probing on a ticker until ctx is cancelled or Stop is called.
// New registrations are probed immediately via the registry's broadcast
// channel rather than waiting for the next tick.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	newBackends := w.reg.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			return
		case <-ticker.C:
			w.probeAll()
		case b := <-newBackends:
			go w.probeOne(b)
		}
	}
}

// Stop terminates Run.
func (w *Watchdog) Stop() { close(w.doneCh) }

func (w *Watchdog) probeAll() {
	for _, kind := range []models.Kind{
		models.KindChat, models.KindEmbeddings, models.KindImage,
		models.KindTranscribe, models.KindTranslate, models.KindTTS,
	} {
		for _, b := range w.reg.List(kind) {
			go w.probeOne(b)
		}
	}
}

func (w *Watchdog) backendLock(id string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[id]
	if !ok {
		l = &sync.Mutex{}
		w.locks[id] = l
	}
	return l
}

func (w *Watchdog) probeOne(b models.Backend) {
	lock := w.backendLock(b.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, outcome := w.probe(ctx, b)
	w.reg.SetAvailable(b.ID, ok, outcome)

	if !ok {
		w.logFailureRateLimited(b.ID, outcome)
	} else {
		w.mu.Lock()
		delete(w.failureBackoff, b.ID)
		delete(w.nextLogAt, b.ID)
		w.mu.Unlock()
	}
}

// probe issues a GET against the backend's base URL, falling back to
// /health if the first attempt fails (transport failure or 5xx). 2xx-4xx
// are treated as alive; 5xx or a transport failure is dead.
func (w *Watchdog) probe(ctx context.Context, b models.Backend) (bool, string) {
	if ok, outcome := w.get(ctx, b.BaseURL); ok {
		return true, outcome
	}
	if ok, outcome := w.get(ctx, b.BaseURL+"/health"); ok {
		return true, outcome
	}
	return false, "unreachable"
}

func (w *Watchdog) get(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, resp.Status
	}
	return true, resp.Status
}

// logFailureRateLimited logs at most once per backoff interval so a
// persistently dead backend doesn't spam logs every tick.
func (w *Watchdog) logFailureRateLimited(id, outcome string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if t, ok := w.nextLogAt[id]; ok && now.Before(t) {
		return
	}

	b, ok := w.failureBackoff[id]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = w.interval
		eb.MaxInterval = 10 * time.Minute
		eb.MaxElapsedTime = 0
		b = eb
		w.failureBackoff[id] = b
	}
	w.nextLogAt[id] = now.Add(b.NextBackOff())

	log.Warn().Str("backend", id).Str("outcome", outcome).Msg("health probe failed")
}
