package thunk

import (
	"maps"
	"runtime"
)

// valueSlabSize is the number of Value cells carved out of one slab. A slab
// stays reachable while any of its cells is, so it is kept small.
const valueSlabSize = 32

// Heap hands out every object the evaluator allocates: value cells, frames,
// list element arrays and attribute bindings. Values are bump-allocated
// from slabs. Reclamation is left to the Go collector, which traces through
// the frame/thunk cycles that recursive bindings create; nothing is ever
// freed explicitly.
type Heap struct {
	slab  []Value
	stats *Stats
}

func newHeap(stats *Stats) *Heap {
	return &Heap{stats: stats}
}

func (h *Heap) allocValue() *Value {
	if len(h.slab) == 0 {
		h.slab = make([]Value, valueSlabSize)
	}
	v := &h.slab[0]
	h.slab = h.slab[1:]
	h.stats.NrValues++
	return v
}

func (h *Heap) allocEnv(size int) *Env {
	h.stats.NrEnvs++
	h.stats.NrValuesInEnvs += uint64(size)
	return &Env{Values: make([]*Value, size)}
}

func (h *Heap) allocList(n int) []*Value {
	h.stats.NrListElems += uint64(n)
	return make([]*Value, n)
}

func (h *Heap) allocBindings(capacity int) *Bindings {
	h.stats.NrAttrsets++
	h.stats.NrAttrsInAttrsets += uint64(capacity)
	return &Bindings{attrs: make([]Attr, 0, capacity)}
}

// Stats are the diagnostic counters of one evaluation session.
type Stats struct {
	NrEnvs                 uint64 `json:"envs"`
	NrValuesInEnvs         uint64 `json:"valuesInEnvs"`
	NrValues               uint64 `json:"values"`
	NrListElems            uint64 `json:"listElems"`
	NrAttrsets             uint64 `json:"attrsets"`
	NrAttrsInAttrsets      uint64 `json:"attrsInAttrsets"`
	NrOpUpdates            uint64 `json:"opUpdates"`
	NrOpUpdateValuesCopied uint64 `json:"opUpdateValuesCopied"`
	NrListConcats          uint64 `json:"listConcats"`
	NrPrimOpCalls          uint64 `json:"primOpCalls"`
	NrFunctionCalls        uint64 `json:"functionCalls"`
	NrThunks               uint64 `json:"thunks"`
	NrAvoided              uint64 `json:"thunksAvoided"`
	NrStoreCopies          uint64 `json:"storeCopies"`
	NrRecorded             uint64 `json:"recorded"`
	NrPlayedBack           uint64 `json:"playedBack"`

	// Filled only when EvalState.CountCalls is set.
	PrimOpCalls   map[string]uint64 `json:"primOpCallsByName,omitempty"`
	FunctionCalls map[string]uint64 `json:"functionCallsByPos,omitempty"`

	HeapAlloc uint64 `json:"heapAlloc"`
	NumGC     uint32 `json:"numGC"`
}

// Stats returns a snapshot of the counters, including the collector's view
// of the heap. The snapshot shares nothing with the session, but taking it
// is not synchronized with evaluation: call it from the evaluating
// goroutine.
func (st *EvalState) Stats() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snapshot := st.stats
	snapshot.PrimOpCalls = maps.Clone(st.stats.PrimOpCalls)
	snapshot.FunctionCalls = maps.Clone(st.stats.FunctionCalls)
	snapshot.HeapAlloc = ms.HeapAlloc
	snapshot.NumGC = ms.NumGC
	return snapshot
}
