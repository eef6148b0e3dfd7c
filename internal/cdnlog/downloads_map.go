package cdnlog

import (
	"sort"
	"time"
)

type key struct {
	name    string
	version string
	date    time.Time
}

// Entry is one aggregated download count, keyed by package name, version
// string and calendar day.
type Entry struct {
	Name      string
	Version   string
	Date      time.Time
	Downloads int64
}

// DownloadsMap aggregates download counts. Adding an already present
// (name, version, date) key sums the counts; nothing is ever overwritten.
// Exported orderings are deterministic: Entries returns keys in first
// insertion order.
type DownloadsMap struct {
	counts map[key]int64
	order  []key
}

func NewDownloadsMap() *DownloadsMap {
	return &DownloadsMap{counts: make(map[key]int64)}
}

// Add records n downloads for the given key. The date is normalized to a
// UTC calendar day.
func (m *DownloadsMap) Add(name, version string, date time.Time, n int64) {
	k := key{name: name, version: version, date: Day(date)}
	if _, ok := m.counts[k]; !ok {
		m.order = append(m.order, k)
	}
	m.counts[k] += n
}

// Len returns the number of distinct (name, version, date) entries.
func (m *DownloadsMap) Len() int {
	return len(m.counts)
}

func (m *DownloadsMap) IsEmpty() bool {
	return len(m.counts) == 0
}

// SumDownloads returns the total download count across all entries.
func (m *DownloadsMap) SumDownloads() int64 {
	var sum int64
	for _, n := range m.counts {
		sum += n
	}
	return sum
}

// UniquePackages returns the number of distinct package names.
func (m *DownloadsMap) UniquePackages() int {
	names := make(map[string]struct{}, len(m.order))
	for _, k := range m.order {
		names[k.name] = struct{}{}
	}
	return len(names)
}

// Entries returns all entries in first insertion order.
func (m *DownloadsMap) Entries() []Entry {
	entries := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		entries = append(entries, Entry{
			Name:      k.name,
			Version:   k.version,
			Date:      k.date,
			Downloads: m.counts[k],
		})
	}
	return entries
}

// Top returns up to n entries ordered by download count descending. Ties
// keep insertion order (stable sort).
func (m *DownloadsMap) Top(n int) []Entry {
	entries := m.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Downloads > entries[j].Downloads
	})
	if n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// Day truncates a time to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
