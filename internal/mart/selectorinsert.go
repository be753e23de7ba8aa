package mart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a dimension lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrMultipleRows signals a data-integrity fault: more than one dimension
// row matched a supposedly unique identifying tuple. It is never reconciled
// here, only reflected up.
var ErrMultipleRows = errors.New("multiple rows match identifying fields")

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// SelectOrInsert makes "find the existing dimension row or insert a new one"
// an atomic operation for one dimension table.
//
// With multiple workers asynchronously adding data to the star schema,
// there's a fair chance more than one will request the same non-existing row.
// The named lock serializes peers within this process; the immediate commit
// (autocommit on the shared pool) makes the row visible before the lock is
// released. A unique-violation from a process not sharing the lock is treated
// as if the row pre-existed.
type SelectOrInsert struct {
	db  *sql.DB
	mu  *sync.Mutex
	dim *Dimension
}

// NewSelectOrInsert builds the primitive for one dimension. The mutex must
// be the single shared instance for that dimension (see engine.DimensionLocks).
func NewSelectOrInsert(db *sql.DB, mu *sync.Mutex, dim *Dimension) *SelectOrInsert {
	return &SelectOrInsert{db: db, mu: mu, dim: dim}
}

// Fetch returns the primary key of the persisted row whose identifying
// fields equal those in values, inserting it first if absent.
func (s *SelectOrInsert) Fetch(ctx context.Context, values Values) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values = s.truncated(values)
	pk, err := s.selectPK(ctx, values)
	if err == nil {
		return pk, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if s.dim.SelectOnly {
		// Static-data tables are never widened on the fly; an unknown row
		// means the bootstrap load is incomplete.
		return 0, fmt.Errorf("%s: no row for identifying fields: %w", s.dim.Table, err)
	}

	pk, err = s.insert(ctx, values)
	if err == nil {
		return pk, nil
	}
	if isUniqueViolation(err) {
		// A process outside this lock's reach won the race; treat the row
		// as pre-existing.
		return s.selectPK(ctx, values)
	}
	return 0, err
}

func (s *SelectOrInsert) truncated(values Values) Values {
	if len(s.dim.Truncate) == 0 {
		return values
	}
	out := make(Values, len(values))
	for col, v := range values {
		if limit, ok := s.dim.Truncate[col]; ok {
			if str, ok := v.(string); ok && len(str) > limit {
				v = str[:limit]
			}
		}
		out[col] = v
	}
	return out
}

func (s *SelectOrInsert) selectPK(ctx context.Context, values Values) (int64, error) {
	where := make([]string, 0, len(s.dim.IDFields))
	args := make([]any, 0, len(s.dim.IDFields))
	n := 1
	for _, col := range s.dim.IDFields {
		v, ok := values[col]
		if !ok || v == nil {
			where = append(where, fmt.Sprintf("%q IS NULL", col))
			continue
		}
		where = append(where, fmt.Sprintf("%q = $%d", col, n))
		args = append(args, v)
		n++
	}
	query := fmt.Sprintf("SELECT pk FROM %s WHERE %s", s.dim.Table, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", s.dim.Table, err)
	}
	defer rows.Close()

	var pk int64
	found := false
	for rows.Next() {
		if found {
			return 0, fmt.Errorf("%s: %w", s.dim.Table, ErrMultipleRows)
		}
		if err := rows.Scan(&pk); err != nil {
			return 0, err
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return pk, nil
}

func (s *SelectOrInsert) insert(ctx context.Context, values Values) (int64, error) {
	cols := make([]string, 0, len(values)+1)
	params := make([]string, 0, len(values)+1)
	args := make([]any, 0, len(values))
	n := 1
	for _, col := range append(append([]string{}, s.dim.IDFields...), s.dim.ExtraFields...) {
		v, ok := values[col]
		if !ok || v == nil {
			continue
		}
		cols = append(cols, fmt.Sprintf("%q", col))
		params = append(params, fmt.Sprintf("$%d", n))
		args = append(args, v)
		n++
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, last_updated) VALUES (%s, now()) RETURNING pk",
		s.dim.Table, strings.Join(cols, ", "), strings.Join(params, ", "))
	var pk int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&pk); err != nil {
		return 0, fmt.Errorf("insert %s: %w", s.dim.Table, err)
	}
	return pk, nil
}
