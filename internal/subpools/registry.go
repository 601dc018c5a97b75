package subpools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// ErrAlreadyMigrated is returned when a migration record would be
// overwritten. Records are immutable once written.
var ErrAlreadyMigrated = errors.New("subpools: asset already migrated")

const (
	migratedPrefix = "subpools/migrated/"
	subpoolPrefix  = "subpools/pool/"
)

func migratedKey(asset model.AssetID) string { return state.Key("subpools", "migrated", asset) }
func subpoolKey(id model.AssetID) string     { return state.Key("subpools", "pool", id) }

// Registry persists the migration registry (asset -> owning pool and
// migration detail) and the set of registered subpools.
type Registry struct {
	rw state.ReadWriter
}

func NewRegistry(rw state.ReadWriter) *Registry {
	return &Registry{rw: rw}
}

// Migration returns the record of asset and whether it was migrated.
func (r *Registry) Migration(ctx context.Context, asset model.AssetID) (model.MigrationRecord, bool, error) {
	return state.GetJSON[model.MigrationRecord](ctx, r.rw, migratedKey(asset))
}

func (r *Registry) recordMigration(ctx context.Context, asset model.AssetID, rec model.MigrationRecord) error {
	if _, ok, err := r.Migration(ctx, asset); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %d", ErrAlreadyMigrated, asset)
	}
	return state.PutJSON(ctx, r.rw, migratedKey(asset), rec)
}

// Migrations returns every migration record keyed by asset.
func (r *Registry) Migrations(ctx context.Context) (map[model.AssetID]model.MigrationRecord, error) {
	raw, err := r.rw.Scan(ctx, migratedPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[model.AssetID]model.MigrationRecord, len(raw))
	for k, v := range raw {
		id, err := parseID(k, migratedPrefix)
		if err != nil {
			return nil, err
		}
		var rec model.MigrationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("subpools: decode %s: %w", k, err)
		}
		out[id] = rec
	}
	return out, nil
}

// IsSubpool reports whether id is a registered subpool.
func (r *Registry) IsSubpool(ctx context.Context, id model.AssetID) (bool, error) {
	_, ok, err := r.rw.Get(ctx, subpoolKey(id))
	return ok, err
}

func (r *Registry) addSubpool(ctx context.Context, id model.AssetID) error {
	return r.rw.Put(ctx, subpoolKey(id), []byte("{}"))
}

// Subpools returns the registered subpool ids.
func (r *Registry) Subpools(ctx context.Context) (mapset.Set[model.AssetID], error) {
	raw, err := r.rw.Scan(ctx, subpoolPrefix)
	if err != nil {
		return nil, err
	}
	set := mapset.NewThreadUnsafeSet[model.AssetID]()
	for k := range raw {
		id, err := parseID(k, subpoolPrefix)
		if err != nil {
			return nil, err
		}
		set.Add(id)
	}
	return set, nil
}

// SortedSubpools is Subpools in ascending order.
func (r *Registry) SortedSubpools(ctx context.Context) ([]model.AssetID, error) {
	set, err := r.Subpools(ctx)
	if err != nil {
		return nil, err
	}
	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func parseID(key, prefix string) (model.AssetID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("subpools: bad registry key %q: %w", key, err)
	}
	return model.AssetID(n), nil
}
