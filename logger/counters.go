package logger

import (
	"sync"
	"sync/atomic"
)

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

// counts keyed by component
var counts sync.Map

func componentCounts(component string) *levelCounts {
	v, _ := counts.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	componentCounts(component).warns.Add(1)
}

func recordError(component string) {
	componentCounts(component).errors.Add(1)
}

// ComponentCounts returns the number of warnings and errors logged per component
// since start.
func ComponentCounts() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	counts.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out[k.(string)] = map[string]int64{
			"warns":  c.warns.Load(),
			"errors": c.errors.Load(),
		}
		return true
	})
	return out
}
