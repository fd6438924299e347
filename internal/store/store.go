// Package store wraps the sqlite handles backing the sqlite_* natives
// in a small handle table keyed by integer handles.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Handles owns every open *sql.DB keyed by an opaque integer handed
// back to script code, so natives never expose a raw *sql.DB value.
type Handles struct {
	mu   sync.Mutex
	dbs  map[int]*sql.DB
	next int
}

func New() *Handles {
	return &Handles{dbs: make(map[int]*sql.DB), next: 1}
}

// Open opens a sqlite database at path and returns its handle.
func (h *Handles) Open(path string) (int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.dbs[id] = db
	return id, nil
}

func (h *Handles) get(handle int) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	db, ok := h.dbs[handle]
	if !ok {
		return nil, fmt.Errorf("invalid sqlite handle %d", handle)
	}
	return db, nil
}

// Exec runs sql against handle, discarding any result rows.
func (h *Handles) Exec(handle int, query string) error {
	db, err := h.get(handle)
	if err != nil {
		return err
	}
	_, err = db.Exec(query)
	return err
}

// Row is one result row from Query, column name to printable value.
type Row map[string]interface{}

// Query runs sql against handle and materializes every result row.
func (h *Handles) Query(handle int, query string) ([]Row, error) {
	db, err := h.get(handle)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = raw[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Close closes and forgets handle.
func (h *Handles) Close(handle int) error {
	h.mu.Lock()
	db, ok := h.dbs[handle]
	if ok {
		delete(h.dbs, handle)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("invalid sqlite handle %d", handle)
	}
	return db.Close()
}
