package syncer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 4

// BatchResult counts the outcome of PushBatch. Failures are keyed by internal id.
type BatchResult struct {
	Created   int              `json:"created"`
	Updated   int              `json:"updated"`
	Unchanged int              `json:"unchanged"`
	Failed    map[string]error `json:"-"`
}

// PushBatch pushes entities with at most concurrency calls in flight. Entries that share an entity
// type and internal id run one after another in input order. One failure does not stop the rest.
func (e *Engine) PushBatch(ctx context.Context, tenantID string, entities []Entity, concurrency int) BatchResult {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	type entityKey struct {
		entityType string
		internalID string
	}
	var order []entityKey
	groups := make(map[entityKey][]Entity)
	for _, entity := range entities {
		key := entityKey{entityType: entity.EntityType(), internalID: entity.InternalID()}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entity)
	}

	result := BatchResult{Failed: make(map[string]error)}
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, key := range order {
		queue := groups[key]
		group.Go(func() error {
			for _, entity := range queue {
				if ctx.Err() != nil {
					mu.Lock()
					result.Failed[entity.InternalID()] = ctx.Err()
					mu.Unlock()
					return nil
				}
				pushed, err := e.Push(ctx, tenantID, entity)
				mu.Lock()
				switch {
				case err != nil:
					result.Failed[entity.InternalID()] = err
				case pushed.Action == ActionCreated:
					result.Created++
				case pushed.Action == ActionUpdated:
					result.Updated++
				default:
					result.Unchanged++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return result
}
