package mat

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/fumin/ccsd/tensor"
)

const (
	tableShape = "shape"
	tableRow   = "slab"

	dbTimeout = 3 * time.Minute
)

// DiskStore is a BlockStore backed by a scratch sqlite database.
// Each row of the leading axis is stored as one little-endian blob.
type DiskStore struct {
	Path string

	db     *sql.DB
	mu     sync.Mutex
	shapes map[string][]int
}

// NewDiskStore creates a fresh database at dbPath.
// The file is removed on Close.
func NewDiskStore(dbPath string) (*DiskStore, error) {
	s := &DiskStore{Path: dbPath, shapes: make(map[string][]int)}
	var err error
	s.db, err = newDB(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

func (s *DiskStore) Close() error {
	var err error
	if err1 := s.db.Close(); err1 != nil && err == nil {
		err = err1
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err1 := os.Remove(s.Path + suffix); err1 != nil && !os.IsNotExist(err1) && err == nil {
			err = err1
		}
	}
	return err
}

func (s *DiskStore) Create(name string, shape ...int) error {
	if len(shape) == 0 {
		return errors.Errorf("%s: empty shape", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE name=?`, tableRow)
	if _, err := s.db.ExecContext(ctx, sqlStr, name); err != nil {
		return errors.Wrap(err, name)
	}
	sqlStr = fmt.Sprintf(`INSERT OR REPLACE INTO %s (name, dims) VALUES (?, ?)`, tableShape)
	if _, err := s.db.ExecContext(ctx, sqlStr, name, formatShape(shape)); err != nil {
		return errors.Wrap(err, name)
	}
	s.mu.Lock()
	s.shapes[name] = shape
	s.mu.Unlock()
	return nil
}

func (s *DiskStore) Shape(name string) ([]int, error) {
	s.mu.Lock()
	shape, ok := s.shapes[name]
	s.mu.Unlock()
	if ok {
		return append([]int(nil), shape...), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT dims FROM %s WHERE name=?`, tableShape)
	var dims string
	err := s.db.QueryRowContext(ctx, sqlStr, name).Scan(&dims)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.Errorf("no tensor %q", name)
	case err != nil:
		return nil, errors.Wrap(err, name)
	}
	shape, err = parseShape(dims)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	s.mu.Lock()
	s.shapes[name] = shape
	s.mu.Unlock()
	return append([]int(nil), shape...), nil
}

func (s *DiskStore) ReadBlock(name string, p0, p1 int) (*tensor.Dense, error) {
	shape, err := s.Shape(name)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := checkRows(shape, p0, p1); err != nil {
		return nil, errors.Wrap(err, name)
	}
	shape[0] = p1 - p0
	out := tensor.Zeros(shape...)
	rowLen := out.Size() / max(1, p1-p0)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT i, data FROM %s WHERE name=? AND i>=? AND i<? ORDER BY i`, tableRow)
	rows, err := s.db.QueryContext(ctx, sqlStr, name, p0, p1)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	data := out.Data()
	for rows.Next() {
		var i int
		var b []byte
		if err := rows.Scan(&i, &b); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if len(b) != 8*rowLen {
			return nil, errors.Errorf("%s row %d: %d bytes, expected %d", name, i, len(b), 8*rowLen)
		}
		decodeRow(data[(i-p0)*rowLen:(i-p0+1)*rowLen], b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}

func (s *DiskStore) WriteBlock(name string, p0 int, t *tensor.Dense) error {
	shape, err := s.Shape(name)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := checkSlab(shape, p0, t.Shape()); err != nil {
		return errors.Wrap(err, name)
	}
	n := t.Dim(0)
	if n == 0 {
		return nil
	}
	rowLen := t.Size() / n

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (name, i, data) VALUES (?, ?, ?)`, tableRow)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "")
	}
	defer stmt.Close()

	data := t.Data()
	buf := make([]byte, 8*rowLen)
	for r := range n {
		encodeRow(buf, data[r*rowLen:(r+1)*rowLen])
		if _, err := stmt.ExecContext(ctx, name, p0+r, buf); err != nil {
			tx.Rollback()
			return errors.Wrap(err, fmt.Sprintf("%s %d", name, p0+r))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func encodeRow(b []byte, row []float64) {
	for i, v := range row {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
}

func decodeRow(row []float64, b []byte) {
	for i := range row {
		row[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
}

func formatShape(shape []int) string {
	strs := make([]string, 0, len(shape))
	for _, d := range shape {
		strs = append(strs, strconv.Itoa(d))
	}
	return strings.Join(strs, ",")
}

func parseShape(s string) ([]int, error) {
	shape := make([]int, 0)
	for _, str := range strings.Split(s, ",") {
		d, err := strconv.Atoi(str)
		if err != nil {
			return nil, errors.Wrap(err, s)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func newDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// A single connection keeps the store usable from a background prefetch
	// without sqlite lock contention.
	db.SetMaxOpenConns(1)

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}

	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, sqlStr := range []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableShape),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableRow),
		fmt.Sprintf(`CREATE TABLE %s (name TEXT PRIMARY KEY, dims TEXT) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE %s (name TEXT, i INTEGER, data BLOB, PRIMARY KEY (name, i)) STRICT`, tableRow),
	} {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}
