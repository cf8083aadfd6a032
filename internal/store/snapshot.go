package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lazypower/preheat/internal/model"
)

// Repository persists and restores full model snapshots. Snapshots are
// keyed by external identifiers (paths, identity triples), never by
// the process-lifetime dense IDs.
type Repository interface {
	Save(ctx context.Context, st *model.State) error
	Load(ctx context.Context, st *model.State) error
	Close() error
}

// SQLRepository is the SQLite-backed Repository.
type SQLRepository struct {
	db *DB
}

// NewSQLRepository wraps an open database.
func NewSQLRepository(db *DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Close closes the underlying database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Save writes a full snapshot, replacing any previous one.
func (r *SQLRepository) Save(ctx context.Context, st *model.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"markov_edges", "exe_maps", "maps", "exes", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO meta (id, model_time, last_accounting_time) VALUES (1, ?, ?)",
		st.ModelTime, st.LastAccounting,
	); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	if err := saveExes(ctx, tx, st); err != nil {
		return err
	}
	if err := saveMaps(ctx, tx, st); err != nil {
		return err
	}
	if err := saveLinks(ctx, tx, st); err != nil {
		return err
	}
	if err := saveEdges(ctx, tx, st); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func saveExes(ctx context.Context, tx *sql.Tx, st *model.State) error {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO exes (path, update_time, total_running_time) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare exes: %w", err)
	}
	defer stmt.Close()
	var insertErr error
	st.Exes.Each(func(exe *model.Exe) {
		if insertErr != nil {
			return
		}
		_, insertErr = stmt.ExecContext(ctx, exe.Path, exe.UpdateTime, exe.TotalRunningTime)
	})
	if insertErr != nil {
		return fmt.Errorf("save exes: %w", insertErr)
	}
	return nil
}

func saveMaps(ctx context.Context, tx *sql.Tx, st *model.State) error {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO maps (path, offset, length, update_time) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare maps: %w", err)
	}
	defer stmt.Close()
	var insertErr error
	st.Maps.Each(func(_ model.MapID, seg *model.MapSegment) {
		if insertErr != nil {
			return
		}
		_, insertErr = stmt.ExecContext(ctx, seg.Path, seg.Offset, seg.Length, seg.UpdateTime)
	})
	if insertErr != nil {
		return fmt.Errorf("save maps: %w", insertErr)
	}
	return nil
}

func saveLinks(ctx context.Context, tx *sql.Tx, st *model.State) error {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO exe_maps (exe_path, map_path, map_offset, map_length) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare exe_maps: %w", err)
	}
	defer stmt.Close()
	var insertErr error
	st.Exes.Each(func(exe *model.Exe) {
		st.Index.MapsForExe(exe.ID, func(m model.MapID) {
			if insertErr != nil {
				return
			}
			seg := st.Maps.Get(m)
			_, insertErr = stmt.ExecContext(ctx, exe.Path, seg.Path, seg.Offset, seg.Length)
		})
	})
	if insertErr != nil {
		return fmt.Errorf("save exe_maps: %w", insertErr)
	}
	return nil
}

func saveEdges(ctx context.Context, tx *sql.Tx, st *model.State) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO markov_edges
			(exe_a_path, exe_b_path, time_to_leave, transition_prob, both_running_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare markov_edges: %w", err)
	}
	defer stmt.Close()

	var insertErr error
	st.Graph.Each(func(key model.EdgeKey, e model.Edge) {
		if insertErr != nil {
			return
		}
		pathA := st.Exes.Get(key.A).Path
		pathB := st.Exes.Get(key.B).Path
		ttl := [4]float32{}
		prob := [4][4]float32{}
		for s := model.PairState(0); s < 4; s++ {
			ttl[s] = e.TTL(s)
			for t := model.PairState(0); t < 4; t++ {
				prob[s][t] = e.Prob(s, t)
			}
		}
		if pathA > pathB {
			pathA, pathB = pathB, pathA
			ttl = swapRoles(ttl)
			prob = swapRoleMatrix(prob)
		}
		_, insertErr = stmt.ExecContext(ctx,
			pathA, pathB,
			encodeFloats(ttl[:]),
			encodeMatrix(prob),
			e.BothRunningTime(), e.LastChange(),
		)
	})
	if insertErr != nil {
		return fmt.Errorf("save markov_edges: %w", insertErr)
	}
	return nil
}

// Load restores a snapshot into an empty state. An empty database
// yields an empty state, not an error.
func (r *SQLRepository) Load(ctx context.Context, st *model.State) error {
	err := r.db.QueryRowContext(ctx,
		"SELECT model_time, last_accounting_time FROM meta WHERE id = 1",
	).Scan(&st.ModelTime, &st.LastAccounting)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load meta: %w", err)
	}

	if err := r.loadExes(ctx, st); err != nil {
		return err
	}
	if err := r.loadMaps(ctx, st); err != nil {
		return err
	}
	if err := r.loadLinks(ctx, st); err != nil {
		return err
	}
	if err := r.loadEdges(ctx, st); err != nil {
		return err
	}
	return nil
}

func (r *SQLRepository) loadExes(ctx context.Context, st *model.State) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT path, update_time, total_running_time FROM exes")
	if err != nil {
		return fmt.Errorf("load exes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		var updateTime, totalRunning uint64
		if err := rows.Scan(&path, &updateTime, &totalRunning); err != nil {
			return fmt.Errorf("scan exe: %w", err)
		}
		id := st.Exes.Intern(path, updateTime)
		exe := st.Exes.Get(id)
		exe.UpdateTime = updateTime
		exe.TotalRunningTime = totalRunning
		exe.LastSeenTime = updateTime
		// Loaded exes enter the active set at their snapshot time so
		// their edges stay valid until the window ages them out.
		st.Active.Update(id, st.LastAccounting)
	}
	return rows.Err()
}

func (r *SQLRepository) loadMaps(ctx context.Context, st *model.State) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT path, offset, length, update_time FROM maps")
	if err != nil {
		return fmt.Errorf("load maps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seg model.MapSegment
		if err := rows.Scan(&seg.Path, &seg.Offset, &seg.Length, &seg.UpdateTime); err != nil {
			return fmt.Errorf("scan map: %w", err)
		}
		st.Maps.Intern(seg)
	}
	return rows.Err()
}

func (r *SQLRepository) loadLinks(ctx context.Context, st *model.State) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT exe_path, map_path, map_offset, map_length FROM exe_maps")
	if err != nil {
		return fmt.Errorf("load exe_maps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var exePath string
		var key model.MapKey
		if err := rows.Scan(&exePath, &key.Path, &key.Offset, &key.Length); err != nil {
			return fmt.Errorf("scan exe_map: %w", err)
		}
		exeID, ok := st.Exes.IDByPath(exePath)
		if !ok {
			continue
		}
		mapID, ok := st.Maps.IDByKey(key)
		if !ok {
			continue
		}
		st.Link(exeID, mapID)
	}
	return rows.Err()
}

func (r *SQLRepository) loadEdges(ctx context.Context, st *model.State) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT exe_a_path, exe_b_path, time_to_leave, transition_prob,
		       both_running_time, update_time
		FROM markov_edges`)
	if err != nil {
		return fmt.Errorf("load markov_edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pathA, pathB string
		var ttlBlob, probBlob []byte
		var both, updateTime uint64
		if err := rows.Scan(&pathA, &pathB, &ttlBlob, &probBlob, &both, &updateTime); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		idA, okA := st.Exes.IDByPath(pathA)
		idB, okB := st.Exes.IDByPath(pathB)
		if !okA || !okB || idA == idB {
			continue
		}
		ttl, err := decodeFloats4(ttlBlob)
		if err != nil {
			return fmt.Errorf("edge (%s, %s): %w", pathA, pathB, err)
		}
		prob, err := decodeMatrix(probBlob)
		if err != nil {
			return fmt.Errorf("edge (%s, %s): %w", pathA, pathB, err)
		}
		// The snapshot's role assignment follows path order; the
		// in-memory key follows ID order. Re-permute when they differ.
		key := model.NewEdgeKey(idA, idB)
		if key.A != idA {
			ttl = swapRoles(ttl)
			prob = swapRoleMatrix(prob)
		}
		st.Graph.Restore(key, model.StateNeither, updateTime, ttl, prob, both)
	}
	return rows.Err()
}

// swapRoles exchanges the only_A and only_B slots of a per-state
// vector.
func swapRoles(v [4]float32) [4]float32 {
	v[model.StateOnlyA], v[model.StateOnlyB] = v[model.StateOnlyB], v[model.StateOnlyA]
	return v
}

// swapRoleMatrix applies the only_A <-> only_B permutation to both
// axes of a transition matrix.
func swapRoleMatrix(m [4][4]float32) [4][4]float32 {
	perm := [4]int{0, 2, 1, 3}
	var out [4][4]float32
	for p := 0; p < 4; p++ {
		for s := 0; s < 4; s++ {
			out[p][s] = m[perm[p]][perm[s]]
		}
	}
	return out
}

func encodeFloats(fs []float32) []byte {
	buf := make([]byte, 4*len(fs))
	for i, f := range fs {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func encodeMatrix(m [4][4]float32) []byte {
	flat := make([]float32, 0, 16)
	for _, row := range m {
		flat = append(flat, row[:]...)
	}
	return encodeFloats(flat)
}

func decodeFloats4(b []byte) ([4]float32, error) {
	var out [4]float32
	if len(b) != 16 {
		return out, fmt.Errorf("time_to_leave blob is %d bytes, want 16", len(b))
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func decodeMatrix(b []byte) ([4][4]float32, error) {
	var out [4][4]float32
	if len(b) != 64 {
		return out, fmt.Errorf("transition_prob blob is %d bytes, want 64", len(b))
	}
	for p := 0; p < 4; p++ {
		for s := 0; s < 4; s++ {
			out[p][s] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*(p*4+s):]))
		}
	}
	return out, nil
}

// NoopRepository satisfies Repository without persisting anything.
// Used when persistence is disabled.
type NoopRepository struct{}

// Save implements Repository.
func (NoopRepository) Save(context.Context, *model.State) error { return nil }

// Load implements Repository.
func (NoopRepository) Load(context.Context, *model.State) error { return nil }

// Close implements Repository.
func (NoopRepository) Close() error { return nil }
