// Package catalog is the vacuum engine's external collaborator (spec
// §1): the narrow slice of a real catalog-and-DDL layer the engine
// needs — open a relation by name, enumerate its indexes, and update
// its statistics row. Database/table DDL, schemas, casts and
// publications are out of scope; this package only keeps enough
// bookkeeping to drive a vacuum pass end to end.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
)

// RelationKind distinguishes ordinary tables from the relation kinds
// the vacuum engine's relation list builder must skip (spec §4.1).
type RelationKind string

const (
	KindOrdinaryTable RelationKind = "table"
	KindIndex         RelationKind = "index"
	KindView          RelationKind = "view"
)

// Relation is one catalog entry: a table's identity, its heap file,
// its registered indexes, and its statistics row.
type Relation struct {
	Name      string
	Kind      RelationKind
	Columns   []storage.Column
	Heap      *storage.HeapFile
	Indexes   []index.Index
	NumPages  uint32
	NumTuples uint64
	HasIndex  bool
}

// Catalog is the vacuum engine's view of the system catalog: a
// relation registry plus the fixed-size statistics rows spec §4.5
// overwrites in place.
type Catalog struct {
	dataDir   string
	relations map[string]*Relation
	mu        sync.RWMutex
}

// New creates a catalog rooted at dataDir. dataDir also holds the
// per-relation statistics files UpdateStatsRowInPlace writes to.
func New(dataDir string) *Catalog {
	return &Catalog{
		dataDir:   dataDir,
		relations: make(map[string]*Relation),
	}
}

// Register adds or replaces a relation in the catalog. Tests and the
// vacuumd CLI use this in place of the full DDL layer spec.md treats
// as out of scope.
func (c *Catalog) Register(rel *Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rel.Kind == "" {
		rel.Kind = KindOrdinaryTable
	}
	c.relations[rel.Name] = rel
}

// Get returns the named relation, or RelationNotFound.
func (c *Catalog) Get(name string) (*Relation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRelationNotFound, name)
	}
	return rel, nil
}

// EnumerateTables is the relation list builder's collaborator call
// (spec §4.1): with no target it returns every ordinary table in the
// catalog, skipping non-table kinds; with a target it returns exactly
// that relation, or RelationNotFound if it does not exist.
func (c *Catalog) EnumerateTables(target string) ([]*Relation, []string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if target != "" {
		rel, ok := c.relations[target]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrRelationNotFound, target)
		}
		return []*Relation{rel}, nil, nil
	}

	var tables []*Relation
	var skipped []string
	for name, rel := range c.relations {
		if rel.Kind != KindOrdinaryTable {
			skipped = append(skipped, name)
			continue
		}
		tables = append(tables, rel)
	}
	return tables, skipped, nil
}

// EnumerateIndexes returns the indexes registered against rel.
func (c *Catalog) EnumerateIndexes(rel *Relation) []index.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rel.Indexes
}

// statsFile is the fixed-size file UpdateStatsRowInPlace overwrites.
// Layout: numPages(u32) numTuples(u64) hasIndex(u8), 13 bytes total.
func (c *Catalog) statsFile(relName string) string {
	return filepath.Join(c.dataDir, relName+".stats")
}

// UpdateStatsRowInPlace overwrites a relation's statistics counters at
// their fixed offsets (spec §4.5) instead of going through the
// ordinary multi-version update path SaveCatalog uses for DDL changes:
// versioning the statistics row would make vacuuming the catalog
// itself churn the very rows this pass is trying to settle.
func (c *Catalog) UpdateStatsRowInPlace(relName string, numPages uint32, numTuples uint64, hasIndex bool) error {
	c.mu.Lock()
	rel, ok := c.relations[relName]
	if ok {
		rel.NumPages = numPages
		rel.NumTuples = numTuples
		rel.HasIndex = hasIndex
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrRelationNotFound, relName)
	}

	buf := make([]byte, 13)
	binary.LittleEndian.PutUint32(buf[0:4], numPages)
	binary.LittleEndian.PutUint64(buf[4:12], numTuples)
	if hasIndex {
		buf[12] = 1
	}

	f, err := os.OpenFile(c.statsFile(relName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open stats row for %q: %w", relName, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("overwrite stats row for %q: %w", relName, err)
	}
	return f.Sync()
}

// catalogFile is the copy-on-write DDL snapshot SaveCatalog rewrites
// wholesale; kept for schema changes, never touched by the stats path.
type catalogFile struct {
	Relations map[string]*relationSnapshot `json:"relations"`
}

type relationSnapshot struct {
	Name    string           `json:"name"`
	Kind    RelationKind     `json:"kind"`
	Columns []storage.Column `json:"columns"`
}

// SaveCatalog persists relation identity and schema (not statistics,
// not index contents) via an atomic whole-file rewrite, the way the
// teacher's DDL layer persists CREATE/ALTER/DROP.
func (c *Catalog) SaveCatalog() error {
	c.mu.RLock()
	snap := catalogFile{Relations: make(map[string]*relationSnapshot, len(c.relations))}
	for name, rel := range c.relations {
		snap.Relations[name] = &relationSnapshot{Name: rel.Name, Kind: rel.Kind, Columns: rel.Columns}
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	path := filepath.Join(c.dataDir, "catalog.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename catalog: %w", err)
	}
	return nil
}
