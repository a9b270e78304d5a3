// Package registry implements the Backend Registry (C1) and the Selector
// (C3): the live set of downstream backends keyed by kind, and the logic
// that picks one for a given request.
//
// Generalized from the teacher's ModelRouter provider table
// (internal/router/router.go in the reference control-plane): a
// kind-scoped map instead of a flat provider list, an atomic per-kind
// round-robin cursor instead of a single global one, and availability
// flags owned by the watchdog instead of cost/latency bookkeeping.
package registry

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/llamanexus/gateway/pkg/models"
)

// ErrInvalidURL and ErrInvalidKind are returned by Register; ErrNoBackend
// (below) is returned by Pick. They are plain errors; the HTTP layer maps
// them onto gwerr kinds itself.
var (
	ErrInvalidURL  = fmt.Errorf("invalid url")
	ErrInvalidKind = fmt.Errorf("invalid kind")
)

// backendEntry owns one backend's mutable state behind a single lock, so
// every reader (List, Get, Pick) and the one writer (SetAvailable,
// discoverModels) agree on the same mutex regardless of which map or
// slice they found the entry through. ID, Kind, BaseURL and APIKey are
// set once at Register time, before the entry is published to any other
// goroutine, so they're safe to read without the lock; Available,
// LastProbeAt, LastProbeOutcome and Models are not.
type backendEntry struct {
	mu sync.RWMutex
	b  models.Backend
}

func (e *backendEntry) snapshot() models.Backend {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.b
}

func (e *backendEntry) isAvailable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.b.Available
}

func (e *backendEntry) setAvailable(available bool, outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Available = available
	e.b.LastProbeAt = time.Now().UTC()
	e.b.LastProbeOutcome = outcome
}

func (e *backendEntry) setModels(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Models = ids
}

type kindBucket struct {
	mu       sync.RWMutex
	backends []*backendEntry // insertion order
	cursor   uint64          // atomic round-robin cursor, kind-scoped
}

// Registry holds the live backend set and serializes mutations per kind.
// Reads take a copy-on-read snapshot so list() never blocks a writer for
// long, matching the teacher's RWMutex + snapshot idiom used throughout
// internal/store/memory.go.
type Registry struct {
	mu     sync.RWMutex
	byKind map[models.Kind]*kindBucket
	byID   map[string]*backendEntry
	client *http.Client

	// notify is the registry's broadcast channel to the watchdog: every
	// register publishes the new backend so C2 can probe it immediately.
	notifyMu sync.Mutex
	subs     []chan models.Backend
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKind: make(map[models.Kind]*kindBucket),
		byID:   make(map[string]*backendEntry),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Subscribe returns a channel that receives a snapshot of every newly
// registered backend. Used by the watchdog to probe new backends
// immediately instead of waiting for the next tick.
func (r *Registry) Subscribe() <-chan models.Backend {
	ch := make(chan models.Backend, 8)
	r.notifyMu.Lock()
	r.subs = append(r.subs, ch)
	r.notifyMu.Unlock()
	return ch
}

func (r *Registry) broadcast(b models.Backend) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- b:
		default:
			// Drop if the watchdog isn't keeping up; the next tick still probes it.
		}
	}
}

func (r *Registry) bucket(kind models.Kind) *kindBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byKind[kind]
	if !ok {
		b = &kindBucket{}
		r.byKind[kind] = b
	}
	return b
}

// Register validates and inserts a new backend, returning its assigned ID.
func (r *Registry) Register(rawURL string, kind models.Kind, apiKey string) (*models.Backend, error) {
	if !models.ValidKind(kind) {
		return nil, ErrInvalidKind
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrInvalidURL
	}
	base := strings.TrimRight(rawURL, "/")

	entry := &backendEntry{b: models.Backend{
		ID:        fmt.Sprintf("%s-server-%s", kind, uuid.NewString()),
		Kind:      kind,
		BaseURL:   base,
		APIKey:    apiKey,
		Available: true, // optimistic until the watchdog says otherwise
	}}

	bucket := r.bucket(kind)
	bucket.mu.Lock()
	bucket.backends = append(bucket.backends, entry)
	bucket.mu.Unlock()

	r.mu.Lock()
	r.byID[entry.b.ID] = entry
	r.mu.Unlock()

	go r.discoverModels(entry)

	r.broadcast(entry.snapshot())
	log.Info().Str("id", entry.b.ID).Str("kind", string(kind)).Str("url", base).Msg("backend registered")
	return &models.Backend{
		ID: entry.b.ID, Kind: entry.b.Kind, BaseURL: entry.b.BaseURL,
		APIKey: entry.b.APIKey, Available: entry.b.Available,
	}, nil
}

// discoverModels best-effort probes {base_url}/models at registration time
// (Design Notes §9, open question on model-name routing) and records the
// returned model IDs for the selector's explicit-target-model match.
// BaseURL/APIKey are read without the entry's lock: they're set once
// before this goroutine is started and never mutated afterward.
func (r *Registry) discoverModels(entry *backendEntry) {
	req, err := http.NewRequest(http.MethodGet, entry.b.BaseURL+"/models", nil)
	if err != nil {
		return
	}
	if entry.b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+entry.b.APIKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	ids := parseModelIDs(resp.Body)
	if len(ids) == 0 {
		return
	}
	entry.setModels(ids)
}

// Unregister removes a backend by ID. Removing an absent ID is a success
// (idempotent NotFound).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	entry, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	r.mu.Unlock()

	bucket := r.bucket(entry.b.Kind)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	for i, cand := range bucket.backends {
		if cand.b.ID == id {
			bucket.backends = append(bucket.backends[:i], bucket.backends[i+1:]...)
			break
		}
	}
}

// List returns a snapshot copy of backends, optionally filtered by kind.
func (r *Registry) List(kind models.Kind) []models.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Backend
	if kind != "" {
		if b, ok := r.byKind[kind]; ok {
			b.mu.RLock()
			for _, entry := range b.backends {
				out = append(out, entry.snapshot())
			}
			b.mu.RUnlock()
		}
		return out
	}
	for _, b := range r.byKind {
		b.mu.RLock()
		for _, entry := range b.backends {
			out = append(out, entry.snapshot())
		}
		b.mu.RUnlock()
	}
	return out
}

// Get returns a single backend by ID.
func (r *Registry) Get(id string) (models.Backend, bool) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return models.Backend{}, false
	}
	return entry.snapshot(), true
}

// SetAvailable is called exclusively by the watchdog to flip a backend's
// advisory availability flag; it does not remove the backend. It writes
// through the same per-entry lock List/Get/Pick read under, so readers
// never observe a torn update (§5: "the Health Watchdog writes only
// available/last_probe_*... so readers never block" on a stale mutex).
func (r *Registry) SetAvailable(id string, available bool, outcome string) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.setAvailable(available, outcome)
}

// ErrNoBackend is returned by Pick when no candidate of the requested kind
// exists.
type ErrNoBackend struct{ Kind models.Kind }

func (e ErrNoBackend) Error() string { return fmt.Sprintf("no backend available for kind %q", e.Kind) }

// exprHintPrefix marks a hint as an expr-lang predicate rather than a
// literal model name, e.g. "expr:Kind == \"chat\" && BaseURL startsWith \"https://eu-\"".
// Evaluated against each candidate's {ID, Kind, BaseURL, Models} env; the
// first backend the predicate accepts wins, generalizing the plain
// exact-model-name match to arbitrary backend-metadata routing rules.
const exprHintPrefix = "expr:"

// Pick selects one backend of the requested kind per the §4.3 algorithm:
// filter to available backends (or all, if none are marked available —
// the watchdog may be disabled or still warming up), prefer an explicit
// model-name match (or expr-lang predicate), else advance the kind-scoped
// round-robin cursor.
func (r *Registry) Pick(kind models.Kind, hint string) (models.Backend, error) {
	bucket := r.bucket(kind)
	bucket.mu.RLock()
	all := make([]*backendEntry, len(bucket.backends))
	copy(all, bucket.backends)
	bucket.mu.RUnlock()

	if len(all) == 0 {
		return models.Backend{}, ErrNoBackend{Kind: kind}
	}

	candidates := filterAvailable(all)
	if len(candidates) == 0 {
		candidates = all
	}

	if exprSrc, ok := strings.CutPrefix(hint, exprHintPrefix); ok {
		if b, ok := pickByExpr(candidates, exprSrc); ok {
			return b, nil
		}
	} else if hint != "" {
		for _, entry := range candidates {
			snap := entry.snapshot()
			for _, m := range snap.Models {
				if m == hint {
					return snap, nil
				}
			}
		}
	}

	idx := atomic.AddUint64(&bucket.cursor, 1)
	chosen := candidates[int(idx-1)%len(candidates)]
	return chosen.snapshot(), nil
}

// pickByExpr compiles src once per call (pick() is not a hot loop relative
// to network I/O) and returns the first candidate whose env satisfies it.
// A compile or eval failure is treated as no match, falling through to
// round-robin rather than failing the request.
func pickByExpr(candidates []*backendEntry, src string) (models.Backend, bool) {
	program, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		log.Warn().Err(err).Str("expr", src).Msg("invalid routing expression, falling back to round-robin")
		return models.Backend{}, false
	}
	for _, entry := range candidates {
		snap := entry.snapshot()
		env := map[string]interface{}{
			"ID":      snap.ID,
			"Kind":    string(snap.Kind),
			"BaseURL": snap.BaseURL,
			"Models":  snap.Models,
		}
		out, err := expr.Run(program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return snap, true
		}
	}
	return models.Backend{}, false
}

func filterAvailable(all []*backendEntry) []*backendEntry {
	var out []*backendEntry
	for _, entry := range all {
		if entry.isAvailable() {
			out = append(out, entry)
		}
	}
	return out
}
