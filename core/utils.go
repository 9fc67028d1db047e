package core

import (
	"reflect"

	"github.com/weftmesh/weft/state"
)

// Get fetches a registered module by its concrete type.
func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// AddMetric saturates instead of wrapping; INF absorbs.
func AddMetric(a, b uint32) uint32 {
	if a == state.INF || b == state.INF {
		return state.INF
	}
	if sum := uint64(a) + uint64(b); sum < uint64(state.INF) {
		return uint32(sum)
	}
	return state.INF - 1
}
