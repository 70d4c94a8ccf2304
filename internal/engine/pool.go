package engine

import (
	"github.com/sourcegraph/conc"

	"github.com/solatis/scankeeper/internal/types"
)

// Pool bounds how many evaluation tasks run at once across a whole scan.
// Every CheckRunner of the scan shares the same Pool, so the width is a
// scan-wide limit rather than a per-check one.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a pool of the given width (types.DefaultWorkers when
// width <= 0).
func NewPool(width int) *Pool {
	if width <= 0 {
		width = types.DefaultWorkers
	}
	return &Pool{sem: make(chan struct{}, width)}
}

// Width returns the maximum number of concurrent tasks.
func (p *Pool) Width() int {
	return cap(p.sem)
}

// Run calls task(i) for every i in [0, n) and blocks until all have
// returned. A slot is taken before each goroutine starts, so at most Width
// tasks (summed over all concurrent callers) are in flight. Tasks must not
// panic; CheckRunner recovers inside its tasks.
func (p *Pool) Run(n int, task func(i int)) {
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		p.sem <- struct{}{}
		wg.Go(func() {
			defer func() { <-p.sem }()
			task(i)
		})
	}
	wg.Wait()
}
