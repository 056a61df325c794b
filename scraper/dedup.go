package scraper

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator tracks item ids seen during a run. It is bounded: once full,
// the least recently seen ids are forgotten.
type Deduplicator struct {
	seen *lru.Cache[string, struct{}]
}

// NewDeduplicator returns a deduplicator holding up to size ids.
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Deduplicator{seen: cache}, nil
}

// MarkNew records id and reports whether it had not been seen before.
// The check and the mark are one atomic step.
func (d *Deduplicator) MarkNew(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

// Seen reports whether id was recorded.
func (d *Deduplicator) Seen(id string) bool {
	return d.seen.Contains(id)
}

// MarkSeen records id.
func (d *Deduplicator) MarkSeen(id string) {
	d.seen.Add(id, struct{}{})
}

// Len returns the number of remembered ids.
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
