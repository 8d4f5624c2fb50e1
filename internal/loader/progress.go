package loader

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
)

// Progress is the state of the asset phase of one load.
type Progress struct {
	// Fraction is the mean of per-asset progress, in [0, 1].
	Fraction  float64
	Completed int
	Total     int
}

// progressTracker folds per-asset byte counts into one monotonic fraction.
// Intermediate reports are rate limited; completions always go out.
type progressTracker struct {
	mu        sync.Mutex
	fractions []float64
	completed int
	last      float64
	fn        func(Progress)
	limiter   *rate.Limiter
}

func newProgressTracker(n int, fn func(Progress), interval time.Duration) *progressTracker {
	return &progressTracker{
		fractions: make([]float64, n),
		fn:        fn,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (p *progressTracker) reporter(i int) downloader.ProgressFunc {
	if p.fn == nil {
		return nil
	}
	return func(read, total int64) {
		if total <= 0 {
			return
		}
		f := float64(read) / float64(total)
		if f > 1 {
			f = 1
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if f <= p.fractions[i] {
			return
		}
		p.fractions[i] = f
		if p.limiter.Allow() {
			p.emit()
		}
	}
}

func (p *progressTracker) finish(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fractions[i] = 1
	p.completed++
	p.emit()
}

// done reports completion, which a load without assets never reaches
// through finish.
func (p *progressTracker) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.fractions {
		p.fractions[i] = 1
	}
	p.emit()
}

// emit must be called with mu held.
func (p *progressTracker) emit() {
	if p.fn == nil {
		return
	}
	f := 1.0
	if n := len(p.fractions); n > 0 {
		var sum float64
		for _, v := range p.fractions {
			sum += v
		}
		f = sum / float64(n)
	}
	if f < p.last {
		f = p.last
	}
	p.last = f
	p.fn(Progress{Fraction: f, Completed: p.completed, Total: len(p.fractions)})
}
