package vm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Execution coverage
// ---------------------------------------------------------------------------

// Coverage counts how many times each instruction index executed. The
// engine samples it to decide when a program is hot enough to compile, and
// tests use it to assert both execution strategies walk the same paths.
type Coverage struct {
	mu     sync.Mutex
	counts []uint64
}

// NewCoverage sizes the counter table for a program.
func NewCoverage(p *Program) *Coverage {
	return &Coverage{counts: make([]uint64, len(p.Instrs))}
}

// Hit records one execution of the instruction at pc.
func (c *Coverage) Hit(pc int) {
	c.mu.Lock()
	if pc >= 0 && pc < len(c.counts) {
		c.counts[pc]++
	}
	c.mu.Unlock()
}

// Count returns the hit count for an instruction index.
func (c *Coverage) Count(pc int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc < 0 || pc >= len(c.counts) {
		return 0
	}
	return c.counts[pc]
}

// Total returns the total number of instructions executed.
func (c *Coverage) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, v := range c.counts {
		n += v
	}
	return n
}

// Covered returns the fraction of instructions executed at least once.
func (c *Coverage) Covered() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counts) == 0 {
		return 0
	}
	hit := 0
	for _, v := range c.counts {
		if v > 0 {
			hit++
		}
	}
	return float64(hit) / float64(len(c.counts))
}

// Hottest returns up to n instruction indices sorted by descending count,
// skipping never-executed instructions.
func (c *Coverage) Hottest(n int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := make([]int, 0, len(c.counts))
	for i, v := range c.counts {
		if v > 0 {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return c.counts[idx[a]] > c.counts[idx[b]] })
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}

// Report renders a per-instruction summary against a program listing.
func (c *Coverage) Report(p *Program) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for i := range p.Instrs {
		var n uint64
		if i < len(c.counts) {
			n = c.counts[i]
		}
		fmt.Fprintf(&sb, "%8d %4d: %s\n", n, i, p.Instrs[i].String())
	}
	return sb.String()
}
