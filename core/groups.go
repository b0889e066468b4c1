package core

import (
	"sort"
	"sync"
)

// GroupSummary is the read model of one resource group.
type GroupSummary struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Running     int     `json:"running"`
	Max         int     `json:"max"`
	Available   int     `json:"available"`
	RunIDs      []int64 `json:"run_ids"`
}

type group struct {
	spec    ResourceGroupSpec
	running map[int64]struct{}
}

// GroupTable tracks named concurrency pools. Admission decisions are atomic
// check-and-insert under one table lock, so |running| never exceeds the cap.
type GroupTable struct {
	mu     sync.Mutex
	groups map[string]*group
}

func NewGroupTable(specs []ResourceGroupSpec) *GroupTable {
	t := &GroupTable{groups: make(map[string]*group)}
	t.Reload(specs)
	return t
}

// Reload replaces the group specs, keeping running sets for groups that
// survive. Runs in removed groups finish against their old cap and release
// into nothing.
func (t *GroupTable) Reload(specs []ResourceGroupSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*group, len(specs)+1)
	for _, spec := range specs {
		g := &group{spec: spec, running: make(map[int64]struct{})}
		if prev, ok := t.groups[spec.Name]; ok {
			g.running = prev.running
		}
		next[spec.Name] = g
	}
	if _, ok := next["default"]; !ok {
		g := &group{spec: ResourceGroupSpec{Name: "default", MaxConcurrent: 1}, running: make(map[int64]struct{})}
		if prev, ok := t.groups["default"]; ok {
			g.running = prev.running
		}
		next["default"] = g
	}
	t.groups = next
}

// TryAcquire reserves a slot in the group for the run. Unknown groups admit
// freely, matching the catalog's permissive stance on stale references.
func (t *GroupTable) TryAcquire(name string, runID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[name]
	if !ok {
		return true
	}
	if len(g.running) >= g.spec.MaxConcurrent {
		return false
	}
	g.running[runID] = struct{}{}
	return true
}

// Release frees the run's slot. Safe to call for runs that never acquired.
func (t *GroupTable) Release(name string, runID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g, ok := t.groups[name]; ok {
		delete(g.running, runID)
	}
}

// Holds reports whether the group currently holds the run's slot.
func (t *GroupTable) Holds(name string, runID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[name]
	if !ok {
		return false
	}
	_, held := g.running[runID]
	return held
}

// Summary returns the read model for one group.
func (t *GroupTable) Summary(name string) (GroupSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[name]
	if !ok {
		return GroupSummary{}, false
	}
	return summarize(g), true
}

// Summaries returns all groups sorted by name.
func (t *GroupTable) Summaries() []GroupSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]GroupSummary, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, summarize(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func summarize(g *group) GroupSummary {
	ids := make([]int64, 0, len(g.running))
	for id := range g.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return GroupSummary{
		Name:        g.spec.Name,
		Description: g.spec.Description,
		Running:     len(g.running),
		Max:         g.spec.MaxConcurrent,
		Available:   g.spec.MaxConcurrent - len(g.running),
		RunIDs:      ids,
	}
}
