// Package schemacat discovers and caches warehouse schema metadata. Each
// table is tagged with one or more purposes (demographics, encounters,
// sites, ...) derived from naming and column heuristics; the dimension
// engine uses the tags to pick join targets.
package schemacat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cohort/cohort/internal/platform/warehouse"
)

// Table purpose tags.
const (
	PurposeDemographics = "demographics"
	PurposeEncounters   = "encounters"
	PurposeProcedures   = "procedures"
	PurposeDiagnoses    = "diagnoses"
	PurposeLabs         = "labs"
	PurposeMedications  = "medications"
	PurposeSites        = "sites"
)

// TableMeta describes one discovered table.
type TableMeta struct {
	Name     string
	Purposes []string
	Columns  []warehouse.Column
}

// HasPurpose reports whether the table carries the given tag.
func (t *TableMeta) HasPurpose(purpose string) bool {
	for _, p := range t.Purposes {
		if p == purpose {
			return true
		}
	}
	return false
}

// Entry is a cached snapshot of one catalog.schema. Stale is set when the
// snapshot is past its TTL but a refresh failed and the caller got the
// old data on a best-effort basis.
type Entry struct {
	Key       string
	Tables    []TableMeta
	FetchedAt time.Time
	Stale     bool
}

// Table returns the table with the given name, case-insensitively, or nil.
func (e *Entry) Table(name string) *TableMeta {
	for i := range e.Tables {
		if strings.EqualFold(e.Tables[i].Name, name) {
			return &e.Tables[i]
		}
	}
	return nil
}

// TablesFor returns the tables tagged with any of the given purposes, in
// discovery order.
func (e *Entry) TablesFor(purposes ...string) []TableMeta {
	var out []TableMeta
	for _, t := range e.Tables {
		for _, p := range purposes {
			if t.HasPurpose(p) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Render formats the entry as a plain-text schema description suitable
// for inclusion in a generation prompt. When purposes are given, only the
// matching tables are included.
func (e *Entry) Render(purposes ...string) string {
	tables := e.Tables
	if len(purposes) > 0 {
		tables = e.TablesFor(purposes...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schema: %s\n", e.Key)
	for _, t := range tables {
		fmt.Fprintf(&b, "Table %s (%s):\n", t.Name, strings.Join(t.Purposes, ", "))
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
		}
	}
	return b.String()
}

// Catalog caches schema entries per catalog.schema key. Lookups past the
// TTL trigger a refresh; concurrent callers for the same key share one
// in-flight discovery, and a failed refresh falls back to the stale entry
// rather than blocking callers indefinitely.
type Catalog struct {
	src     warehouse.Introspector
	ttl     time.Duration
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
}

func New(src warehouse.Introspector, ttl, timeout time.Duration, log zerolog.Logger) *Catalog {
	return &Catalog{
		src:     src,
		ttl:     ttl,
		timeout: timeout,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Get returns the cached entry for catalog.schema, refreshing it when
// missing or past its TTL. On refresh failure a stale entry is returned,
// tagged Stale, if one exists.
func (c *Catalog) Get(ctx context.Context, catalog, schema string) (*Entry, error) {
	key := catalog + "." + schema

	if e := c.lookup(key); e != nil && c.now().Sub(e.FetchedAt) < c.ttl {
		return e, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have completed a refresh while this one
		// waited on the flight slot.
		if e := c.lookup(key); e != nil && c.now().Sub(e.FetchedAt) < c.ttl {
			return e, nil
		}
		// Discovery runs on its own deadline so one caller's cancelled
		// request does not poison the shared flight.
		dctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return c.discover(dctx, catalog, schema, key)
	})
	if err != nil {
		if stale := c.lookup(key); stale != nil {
			c.log.Warn().Str("key", key).Err(err).Msg("schema refresh failed, serving stale entry")
			cp := *stale
			cp.Stale = true
			return &cp, nil
		}
		return nil, fmt.Errorf("schema discovery for %s: %w", key, err)
	}
	return v.(*Entry), nil
}

// Invalidate drops the cached entry for catalog.schema.
func (c *Catalog) Invalidate(catalog, schema string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, catalog+"."+schema)
}

func (c *Catalog) lookup(key string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

func (c *Catalog) discover(ctx context.Context, catalog, schema, key string) (*Entry, error) {
	names, err := c.src.ListTables(ctx, catalog, schema)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Key: key, FetchedAt: c.now()}
	for _, name := range names {
		cols, err := c.src.ListColumns(ctx, catalog, schema, name)
		if err != nil {
			return nil, err
		}
		entry.Tables = append(entry.Tables, TableMeta{
			Name:     name,
			Purposes: classifyPurposes(name, cols),
			Columns:  cols,
		})
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.log.Info().Str("key", key).Int("tables", len(entry.Tables)).Msg("schema discovered")
	return entry, nil
}

// classifyPurposes tags a table based on its name and column names.
func classifyPurposes(tableName string, cols []warehouse.Column) []string {
	set := map[string]bool{}
	name := strings.ToLower(tableName)

	nameHints := []struct {
		substrs []string
		purpose string
	}{
		{[]string{"demo", "patient"}, PurposeDemographics},
		{[]string{"cpt", "procedure"}, PurposeProcedures},
		{[]string{"icd", "diagnos"}, PurposeDiagnoses},
		{[]string{"encounter", "visit"}, PurposeEncounters},
		{[]string{"lab", "test"}, PurposeLabs},
		{[]string{"med", "drug", "rx"}, PurposeMedications},
		{[]string{"provider", "hospital", "site", "facility"}, PurposeSites},
	}
	for _, h := range nameHints {
		for _, s := range h.substrs {
			if strings.Contains(name, s) {
				set[h.purpose] = true
			}
		}
	}

	colHints := []struct {
		substrs []string
		purpose string
	}{
		{[]string{"age", "gender", "race", "ethnicity", "birth", "sex"}, PurposeDemographics},
		{[]string{"cpt", "procedure", "proc_code"}, PurposeProcedures},
		{[]string{"encounter", "visit", "admit", "discharge"}, PurposeEncounters},
		{[]string{"teaching", "bed_count", "urban_rural", "location_type"}, PurposeSites},
	}
	for _, col := range cols {
		cn := strings.ToLower(col.Name)
		for _, h := range colHints {
			for _, s := range h.substrs {
				if strings.Contains(cn, s) {
					set[h.purpose] = true
				}
			}
		}
	}

	purposes := make([]string, 0, len(set))
	for p := range set {
		purposes = append(purposes, p)
	}
	sort.Strings(purposes)
	return purposes
}
