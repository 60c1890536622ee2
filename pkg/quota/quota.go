package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Well-known quota resources. Per-type variants append "_<type-name>".
const (
	ResourceVolumes   = "volumes"
	ResourceGigabytes = "gigabytes"
)

var (
	// ErrReservationConsumed means the reservation was already committed
	// or rolled back. Each handle may be consumed exactly once.
	ErrReservationConsumed = errors.New("reservation already consumed")

	// ErrUnknownReservation means the handle was not issued by this ledger
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Deltas maps quota resources to requested usage changes
type Deltas map[string]int

// CreationDeltas builds the deltas for creating one volume of the given size.
// typeName adds the per-type variants when non-empty.
func CreationDeltas(sizeGB int, typeName string) Deltas {
	d := Deltas{
		ResourceVolumes:   1,
		ResourceGigabytes: sizeGB,
	}
	if typeName != "" {
		d[ResourceVolumes+"_"+typeName] = 1
		d[ResourceGigabytes+"_"+typeName] = sizeGB
	}
	return d
}

// Negate returns the inverse deltas, used for post-commit compensation
func (d Deltas) Negate() Deltas {
	n := make(Deltas, len(d))
	for resource, delta := range d {
		n[resource] = -delta
	}
	return n
}

// Limits holds per-resource ceilings. A missing or negative limit
// means unlimited.
type Limits map[string]int

// DefaultLimits are applied when a project has no explicit limits
var DefaultLimits = Limits{
	ResourceVolumes:   10,
	ResourceGigabytes: 1000,
}

func (l Limits) limit(resource string) int {
	if v, ok := l[resource]; ok {
		return v
	}
	// Per-type variants fall back to the base resource limit
	if i := strings.LastIndex(resource, "_"); i > 0 {
		if v, ok := l[resource[:i]]; ok {
			return v
		}
	}
	return -1
}

// Reservation is an opaque quota hold. It must be passed unchanged to
// either Commit or Rollback, exactly once.
type Reservation struct {
	ID        string
	ProjectID string
	Deltas    Deltas
}

// OverQuotaError reports which quota dimensions a reservation exceeded
type OverQuotaError struct {
	ProjectID string
	Overs     []string       // Exceeded resources, sorted
	Usage     map[string]int // InUse+Reserved at rejection time
	Limits    map[string]int
}

func (e *OverQuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for project %s: %s", e.ProjectID, strings.Join(e.Overs, ", "))
}

// ExceedsGigabytes reports whether any exceeded dimension is a
// gigabytes counter
func (e *OverQuotaError) ExceedsGigabytes() bool {
	for _, over := range e.Overs {
		if strings.HasPrefix(over, ResourceGigabytes) {
			return true
		}
	}
	return false
}

// Ledger reserves, commits, and rolls back quota usage for projects.
// Usage counters are persisted in the store; reserve/commit/rollback is
// serialized per project so concurrent workflows see consistent counters.
type Ledger struct {
	store  storage.Store
	limits Limits

	mu       sync.Mutex
	projects map[string]*sync.Mutex
	pending  map[string]*Reservation
}

// NewLedger creates a ledger over the given store. Nil limits means
// DefaultLimits.
func NewLedger(store storage.Store, limits Limits) *Ledger {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Ledger{
		store:    store,
		limits:   limits,
		projects: make(map[string]*sync.Mutex),
		pending:  make(map[string]*Reservation),
	}
}

func (l *Ledger) projectLock(projectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.projects[projectID]; !ok {
		l.projects[projectID] = &sync.Mutex{}
	}
	return l.projects[projectID]
}

// Reserve places a hold for the given deltas, failing with *OverQuotaError
// if any positive delta would push usage past its limit. Negative deltas
// (compensation) are never limit-checked.
func (l *Ledger) Reserve(ctx context.Context, projectID string, deltas Deltas) (*Reservation, error) {
	lock := l.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	// Check all dimensions before mutating any
	var overs []string
	usageSnapshot := make(map[string]int)
	limitSnapshot := make(map[string]int)
	for resource, delta := range deltas {
		if delta <= 0 {
			continue
		}
		usage, err := l.store.GetQuotaUsage(projectID, resource)
		if err != nil {
			return nil, fmt.Errorf("failed to read quota usage: %w", err)
		}
		limit := l.limits.limit(resource)
		if limit < 0 {
			continue
		}
		if usage.InUse+usage.Reserved+delta > limit {
			overs = append(overs, resource)
			usageSnapshot[resource] = usage.InUse + usage.Reserved
			limitSnapshot[resource] = limit
		}
	}
	if len(overs) > 0 {
		sort.Strings(overs)
		return nil, &OverQuotaError{
			ProjectID: projectID,
			Overs:     overs,
			Usage:     usageSnapshot,
			Limits:    limitSnapshot,
		}
	}

	for resource, delta := range deltas {
		usage, err := l.store.GetQuotaUsage(projectID, resource)
		if err != nil {
			return nil, fmt.Errorf("failed to read quota usage: %w", err)
		}
		usage.Reserved += delta
		if err := l.store.PutQuotaUsage(usage); err != nil {
			return nil, fmt.Errorf("failed to write quota usage: %w", err)
		}
	}

	res := &Reservation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Deltas:    deltas,
	}

	l.mu.Lock()
	l.pending[res.ID] = res
	l.mu.Unlock()

	return res, nil
}

// Commit converts a reservation into consumed usage. At most once per
// reservation.
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	if err := l.consume(res); err != nil {
		return err
	}

	lock := l.projectLock(res.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	for resource, delta := range res.Deltas {
		usage, err := l.store.GetQuotaUsage(res.ProjectID, resource)
		if err != nil {
			return fmt.Errorf("failed to read quota usage: %w", err)
		}
		usage.Reserved -= delta
		usage.InUse += delta
		if err := l.store.PutQuotaUsage(usage); err != nil {
			return fmt.Errorf("failed to write quota usage: %w", err)
		}
	}
	return nil
}

// Rollback releases a reservation that was never committed. Safe to call
// during failure unwind; callers log failures rather than propagating them.
func (l *Ledger) Rollback(ctx context.Context, res *Reservation) error {
	if err := l.consume(res); err != nil {
		return err
	}

	lock := l.projectLock(res.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	for resource, delta := range res.Deltas {
		usage, err := l.store.GetQuotaUsage(res.ProjectID, resource)
		if err != nil {
			return fmt.Errorf("failed to read quota usage: %w", err)
		}
		usage.Reserved -= delta
		if err := l.store.PutQuotaUsage(usage); err != nil {
			return fmt.Errorf("failed to write quota usage: %w", err)
		}
	}
	return nil
}

// consume removes the reservation from the pending set, enforcing
// at-most-once semantics
func (l *Ledger) consume(res *Reservation) error {
	if res == nil {
		return ErrUnknownReservation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[res.ID]; !ok {
		return ErrReservationConsumed
	}
	delete(l.pending, res.ID)
	return nil
}

// Usage returns the current counters for a project resource
func (l *Ledger) Usage(projectID, resource string) (*types.QuotaUsage, error) {
	return l.store.GetQuotaUsage(projectID, resource)
}

// LogRollbackFailure is the shared idiom for unwind paths: a rollback
// failure must never mask the original error.
func LogRollbackFailure(reservationID string, err error) {
	log.Logger.Warn().Err(err).Str("reservation_id", reservationID).
		Msg("Failed to roll back quota reservation")
}
