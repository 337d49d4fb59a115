// Package scene owns per-board scene state: it appends normalized elements to
// the persisted scene and remembers which elements the model contributed.
package scene

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canvasmate/internal/canvas"
	"github.com/canvasmate/internal/logging"
	"github.com/canvasmate/internal/retry"
	"github.com/canvasmate/internal/store"
)

// Consistency selects how concurrent turns on one board are reconciled.
type Consistency string

const (
	// ConsistencyVersioned writes with compare-and-swap and re-applies the
	// turn on top of the newer scene when another writer got there first.
	ConsistencyVersioned Consistency = "versioned"
	// ConsistencyLastWriteWins overwrites blindly. Concurrent turns on the
	// same board can lose each other's elements.
	ConsistencyLastWriteWins Consistency = "last_write_wins"
)

const (
	DefaultTTL                = 24 * time.Hour
	DefaultMaxConflictRetries = 5
)

type Options struct {
	TTL                time.Duration
	Consistency        Consistency
	MaxConflictRetries int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Consistency == "" {
		o.Consistency = ConsistencyVersioned
	}
	if o.MaxConflictRetries <= 0 {
		o.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return o
}

// Manager is the only writer of board scenes.
type Manager struct {
	store      store.Store
	normalizer *canvas.Normalizer
	opts       Options
}

func NewManager(s store.Store, n *canvas.Normalizer, opts Options) *Manager {
	if n == nil {
		n = canvas.NewNormalizer()
	}
	return &Manager{store: s, normalizer: n, opts: opts.withDefaults()}
}

// Result is the outcome of applying one response.
type Result struct {
	// Added holds the elements appended by this turn, in action order.
	Added []canvas.Element `json:"added"`
	// Scene is the full scene after the write.
	Scene   []canvas.Element      `json:"scene"`
	Skipped []*canvas.ActionError `json:"skipped,omitempty"`
	Version int64                 `json:"version"`
}

// Normalize converts every action in order. Actions that fail are reported
// and skipped; they never abort the batch.
func (m *Manager) Normalize(ctx context.Context, resp *canvas.AIResponse) ([]canvas.Element, []*canvas.ActionError) {
	logger := logging.TurnFrom(ctx).Logger()
	added := make([]canvas.Element, 0, len(resp.Actions))
	var skipped []*canvas.ActionError

	for i, action := range resp.Actions {
		el, target, err := m.normalizer.NormalizeTarget(action)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Str("action", string(action.Action)).Msg("Skipping action")
			skipped = append(skipped, &canvas.ActionError{Index: i, Action: action.Action, Err: err})
			continue
		}
		if target != "" {
			logger.Warn().Str("target_id", target).Str("element_id", el.Common().ID).
				Msg("updateElement does not modify existing elements; added a new shape")
		}
		added = append(added, el)
	}
	return added, skipped
}

// ApplyActions normalizes the response, appends the new elements to the
// board's scene, persists it and records the new ids as AI-originated.
// Store failures abort the whole apply with canvas.ErrPersistence.
func (m *Manager) ApplyActions(ctx context.Context, boardID string, resp *canvas.AIResponse) (*Result, error) {
	if resp == nil {
		resp = &canvas.AIResponse{}
	}
	added, skipped := m.Normalize(ctx, resp)

	scene, version, err := m.appendElements(ctx, boardID, added)
	if err != nil {
		return nil, err
	}

	if len(added) > 0 {
		if err := m.store.AddToSet(ctx, store.AIElementsKey(boardID), canvas.IDs(added)...); err != nil {
			return nil, fmt.Errorf("%w: record ai elements for board %s: %v", canvas.ErrPersistence, boardID, err)
		}
	}

	logging.TurnFrom(ctx).Logger().Info().
		Str("board_id", boardID).
		Int("added", len(added)).
		Int("skipped", len(skipped)).
		Int("scene_size", len(scene)).
		Int64("version", version).
		Msg("Applied actions")

	return &Result{Added: added, Scene: scene, Skipped: skipped, Version: version}, nil
}

func (m *Manager) appendElements(ctx context.Context, boardID string, added []canvas.Element) ([]canvas.Element, int64, error) {
	if m.opts.Consistency == ConsistencyLastWriteWins {
		return m.appendBlind(ctx, boardID, added)
	}
	return m.appendVersioned(ctx, boardID, added)
}

func (m *Manager) appendBlind(ctx context.Context, boardID string, added []canvas.Element) ([]canvas.Element, int64, error) {
	current, _, err := m.read(ctx, boardID)
	if err != nil {
		return nil, 0, err
	}
	next, data, err := merge(current, added)
	if err != nil {
		return nil, 0, err
	}
	version, err := m.store.Set(ctx, store.SceneKey(boardID), data, m.opts.TTL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: write scene for board %s: %v", canvas.ErrPersistence, boardID, err)
	}
	return next, version, nil
}

func (m *Manager) appendVersioned(ctx context.Context, boardID string, added []canvas.Element) ([]canvas.Element, int64, error) {
	var (
		next    []canvas.Element
		version int64
	)
	isConflict := func(err error) bool { return errors.Is(err, store.ErrVersionConflict) }
	cfg := retry.ConflictRetryConfig(m.opts.MaxConflictRetries, isConflict)

	tl := logging.TurnFrom(ctx)
	result := retry.RetryWithBackoff(ctx, cfg, func() error {
		current, readVersion, err := m.read(ctx, boardID)
		if err != nil {
			return err
		}
		merged, data, err := merge(current, added)
		if err != nil {
			return err
		}
		v, err := m.store.CompareAndSwap(ctx, store.SceneKey(boardID), readVersion, data, m.opts.TTL)
		if err != nil {
			if isConflict(err) {
				tl.Log("Scene for board %s changed since version %d, re-reading", boardID, readVersion)
				return err
			}
			return fmt.Errorf("%w: write scene for board %s: %v", canvas.ErrPersistence, boardID, err)
		}
		next, version = merged, v
		return nil
	}, tl)

	if !result.Success {
		err := result.LastError
		if isConflict(err) {
			return nil, 0, fmt.Errorf("%w: scene for board %s kept changing after %d attempts: %v",
				canvas.ErrPersistence, boardID, result.Attempts, err)
		}
		if !errors.Is(err, canvas.ErrPersistence) {
			err = fmt.Errorf("%w: %v", canvas.ErrPersistence, err)
		}
		return nil, 0, err
	}
	if result.Attempts > 1 {
		tl.Logger().Info().Str("board_id", boardID).Int("attempts", result.Attempts).Msg("Scene write succeeded after conflicts")
	}
	return next, version, nil
}

// merge appends added to current without touching current's backing array.
func merge(current, added []canvas.Element) ([]canvas.Element, string, error) {
	next := make([]canvas.Element, 0, len(current)+len(added))
	next = append(next, current...)
	next = append(next, added...)
	data, err := canvas.EncodeScene(next)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode scene: %v", canvas.ErrPersistence, err)
	}
	return next, string(data), nil
}

func (m *Manager) read(ctx context.Context, boardID string) ([]canvas.Element, int64, error) {
	v, err := m.store.Get(ctx, store.SceneKey(boardID))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read scene for board %s: %v", canvas.ErrPersistence, boardID, err)
	}
	if !v.Found {
		return []canvas.Element{}, v.Version, nil
	}
	elements, err := canvas.DecodeScene([]byte(v.Value))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stored scene for board %s is unreadable: %v", canvas.ErrPersistence, boardID, err)
	}
	return elements, v.Version, nil
}

// GetScene returns the persisted scene, empty when the board has none.
func (m *Manager) GetScene(ctx context.Context, boardID string) ([]canvas.Element, error) {
	elements, _, err := m.read(ctx, boardID)
	return elements, err
}

// AIElementIDs returns the ids of elements the model contributed to the board.
func (m *Manager) AIElementIDs(ctx context.Context, boardID string) ([]string, error) {
	ids, err := m.store.Members(ctx, store.AIElementsKey(boardID))
	if err != nil {
		return nil, fmt.Errorf("%w: read ai elements for board %s: %v", canvas.ErrPersistence, boardID, err)
	}
	return ids, nil
}

// ClearBoard drops the scene and the AI-originated set. It cannot be undone.
func (m *Manager) ClearBoard(ctx context.Context, boardID string) error {
	if err := m.store.Delete(ctx, store.SceneKey(boardID), store.AIElementsKey(boardID)); err != nil {
		return fmt.Errorf("%w: clear board %s: %v", canvas.ErrPersistence, boardID, err)
	}
	logging.TurnFrom(ctx).Logger().Info().Str("board_id", boardID).Msg("Board cleared")
	return nil
}
