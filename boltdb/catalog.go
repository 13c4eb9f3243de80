// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/errors"
	"github.com/featurebasedb/qsession/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTables = Bucket("catalogTables")
	bucketRows   = Bucket("catalogRows")
)

// CatalogBuckets are the buckets a Catalog needs.
var CatalogBuckets []Bucket = []Bucket{
	bucketTables,
	bucketRows,
}

// Ensure type implements interface.
var _ catalog.Catalog = (*Catalog)(nil)

// tableMeta is the JSON record stored per table. Rows are stored separately,
// one bolt key per row, in a sub-bucket of bucketRows named by the table key.
type tableMeta struct {
	Name      string    `json:"name"`
	Columns   []string  `json:"columns"`
	RowCount  int       `json:"row-count"`
	CreatedAt time.Time `json:"created-at"`
}

// Catalog is a catalog.Catalog persisted in bolt. Tables are loaded on first
// use and cached until dropped.
type Catalog struct {
	db *DB

	mu    sync.Mutex
	cache map[string]*catalog.Table

	logger logger.Logger
}

// NewCatalog returns a Catalog over db, whose CatalogBuckets must already
// exist.
func NewCatalog(db *DB, logger logger.Logger) *Catalog {
	return &Catalog{
		db:     db,
		cache:  make(map[string]*catalog.Table),
		logger: logger,
	}
}

func tableKey(name string) []byte {
	return []byte(strings.ToLower(name))
}

func rowKey(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func encodeRow(buf []byte, row []int64) []byte {
	buf = buf[:0]
	var tmp [binary.MaxVarintLen64]byte
	for _, v := range row {
		n := binary.PutVarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

func decodeRow(b []byte, n int) ([]int64, error) {
	row := make([]int64, n)
	for i := range row {
		v, sz := binary.Varint(b)
		if sz <= 0 {
			return nil, errors.Errorf("decoding value %d", i)
		}
		row[i] = v
		b = b[sz:]
	}
	if len(b) != 0 {
		return nil, errors.Errorf("%d trailing bytes", len(b))
	}
	return row, nil
}

func (c *Catalog) CreateTable(ctx context.Context, t *catalog.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, true)
	if err != nil {
		return errors.Wrap(err, "getting transaction")
	}
	defer tx.Rollback()

	tbls := tx.Bucket(bucketTables)
	if tbls == nil {
		return errors.Errorf(ErrFmtBucketNotFound, bucketTables)
	}
	rows := tx.Bucket(bucketRows)
	if rows == nil {
		return errors.Errorf(ErrFmtBucketNotFound, bucketRows)
	}

	key := tableKey(t.Name)
	if tbls.Get(key) != nil {
		return catalog.NewErrTableExists(t.Name)
	}

	val, err := json.Marshal(tableMeta{
		Name:      t.Name,
		Columns:   t.Columns,
		RowCount:  len(t.Rows),
		CreatedAt: tx.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "marshalling table to json")
	}
	if err := tbls.Put(key, val); err != nil {
		return errors.Wrap(err, "putting table")
	}

	bkt, err := rows.CreateBucket(key)
	if err != nil {
		return errors.Wrapf(err, "creating rows bucket for %s", t.Name)
	}
	// Keys are written in order.
	bkt.FillPercent = 1.0
	var buf []byte
	for i, row := range t.Rows {
		buf = encodeRow(buf, row)
		if err := bkt.Put(rowKey(i), buf); err != nil {
			return errors.Wrapf(err, "putting row %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing")
	}
	c.logger.Debugf("created table %s with %d rows", t.Name, len(t.Rows))
	return nil
}

func (c *Catalog) Table(ctx context.Context, name string) (*catalog.Table, error) {
	key := string(tableKey(name))

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.cache[key]; ok {
		return t, nil
	}

	tx, err := c.db.BeginTx(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	meta, err := readMeta(tx, name)
	if err != nil {
		return nil, err
	}

	t := &catalog.Table{
		Name:    meta.Name,
		Columns: meta.Columns,
		Rows:    make([][]int64, 0, meta.RowCount),
	}
	bkt := tx.Bucket(bucketRows).Bucket(tableKey(name))
	if bkt == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, "rows of "+name)
	}
	if err := bkt.ForEach(func(k, v []byte) error {
		row, err := decodeRow(v, len(meta.Columns))
		if err != nil {
			return errors.Wrapf(err, "row %d of %s", binary.BigEndian.Uint64(k), name)
		}
		t.Rows = append(t.Rows, row)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(t.Rows) != meta.RowCount {
		return nil, errors.Errorf("table %s: read %d rows, expected %d", name, len(t.Rows), meta.RowCount)
	}

	c.cache[key] = t
	return t, nil
}

func readMeta(tx *Tx, name string) (*tableMeta, error) {
	tbls := tx.Bucket(bucketTables)
	if tbls == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, bucketTables)
	}
	b := tbls.Get(tableKey(name))
	if b == nil {
		return nil, catalog.NewErrTableNotFound(name)
	}
	meta := &tableMeta{}
	if err := json.Unmarshal(b, meta); err != nil {
		return nil, errors.Wrap(err, "unmarshalling table json")
	}
	return meta, nil
}

func (c *Catalog) TableNames(ctx context.Context) ([]string, error) {
	tx, err := c.db.BeginTx(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	tbls := tx.Bucket(bucketTables)
	if tbls == nil {
		return nil, errors.Errorf(ErrFmtBucketNotFound, bucketTables)
	}
	names := []string{}
	cur := tbls.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		meta := tableMeta{}
		if err := json.Unmarshal(v, &meta); err != nil {
			return nil, errors.Wrap(err, "unmarshalling table json")
		}
		names = append(names, meta.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Catalog) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, true)
	if err != nil {
		return errors.Wrap(err, "getting transaction")
	}
	defer tx.Rollback()

	if _, err := readMeta(tx, name); err != nil {
		return err
	}
	key := tableKey(name)
	if err := tx.Bucket(bucketTables).Delete(key); err != nil {
		return errors.Wrap(err, "deleting table")
	}
	if err := tx.Bucket(bucketRows).DeleteBucket(key); err != nil && err != bolt.ErrBucketNotFound {
		return errors.Wrap(err, "deleting rows")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing")
	}

	delete(c.cache, string(key))
	c.logger.Debugf("dropped table %s", name)
	return nil
}
