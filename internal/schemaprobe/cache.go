package schemaprobe

import (
	"strings"
	"sync"
)

// ColumnInfo is what the catalog reported for one (table, column) pair.
type ColumnInfo struct {
	Exists   bool
	DataType string
}

type columnKey struct {
	table  string
	column string
}

// Cache memoizes catalog answers for the life of the process.
// Reads run concurrently; writes are serialized and the first stored
// value for a key wins.
type Cache struct {
	mu          sync.RWMutex
	columns     map[columnKey]ColumnInfo
	tables      map[string]bool
	resolutions map[string]ResolvedColumn
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		columns:     make(map[columnKey]ColumnInfo),
		tables:      make(map[string]bool),
		resolutions: make(map[string]ResolvedColumn),
	}
}

// Column returns the cached catalog answer for table.column.
func (c *Cache) Column(table, column string) (ColumnInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.columns[columnKey{table: table, column: column}]
	return info, ok
}

// StoreColumn caches info unless another writer got there first.
// It returns the value now held by the cache.
func (c *Cache) StoreColumn(table, column string, info ColumnInfo) ColumnInfo {
	key := columnKey{table: table, column: column}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.columns[key]; ok {
		return existing
	}
	c.columns[key] = info
	return info
}

// Table returns the cached existence answer for table.
func (c *Cache) Table(table string) (exists bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exists, ok = c.tables[table]
	return exists, ok
}

// StoreTable caches a table existence answer, first writer wins.
func (c *Cache) StoreTable(table string, exists bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tables[table]; ok {
		return existing
	}
	c.tables[table] = exists
	return exists
}

// Resolution returns the cached resolution for a candidate list on table.
func (c *Cache) Resolution(table string, candidates []string) (ResolvedColumn, bool) {
	key := resolutionKey(table, candidates)
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.resolutions[key]
	return res, ok
}

// StoreResolution caches res for the candidate list, first writer wins.
func (c *Cache) StoreResolution(table string, candidates []string, res ResolvedColumn) ResolvedColumn {
	key := resolutionKey(table, candidates)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.resolutions[key]; ok {
		return existing
	}
	c.resolutions[key] = res
	return res
}

// Len reports how many column, table and resolution entries are cached.
func (c *Cache) Len() (columns, tables, resolutions int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.columns), len(c.tables), len(c.resolutions)
}

// resolutionKey identifies a candidate set, not just a table, so two
// logical attributes on the same table resolve independently.
func resolutionKey(table string, candidates []string) string {
	var b strings.Builder
	b.WriteString(table)
	for _, c := range candidates {
		b.WriteByte(0)
		b.WriteString(c)
	}
	return b.String()
}
