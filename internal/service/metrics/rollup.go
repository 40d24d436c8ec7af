package metrics

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/splax/localship/internal/domain"
)

const defaultRollupSamples = 512

// RequestSummary aggregates the proxied requests of one sampling window.
type RequestSummary struct {
	Count      int64   `json:"count"`
	ErrorCount int64   `json:"errorCount"`
	AvgMS      float64 `json:"avgMs"`
	P50MS      float64 `json:"p50Ms"`
	P95MS      float64 `json:"p95Ms"`
	MaxMS      float64 `json:"maxMs"`
}

type rollupBucket struct {
	count      int64
	errorCount int64
	latencies  []float64
	latencySum float64
	latencyMax float64
}

// Rollup accumulates request latencies per deployment between samples.
// Latencies beyond the sample cap replace random earlier ones.
type Rollup struct {
	mu         sync.Mutex
	maxSamples int
	buckets    map[string]*rollupBucket
	random     *rand.Rand
}

// NewRollup constructs a Rollup keeping at most maxSamples latencies per
// deployment and window.
func NewRollup(maxSamples int) *Rollup {
	if maxSamples <= 0 {
		maxSamples = defaultRollupSamples
	}
	return &Rollup{
		maxSamples: maxSamples,
		buckets:    make(map[string]*rollupBucket),
		random:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record adds one proxied request.
func (r *Rollup) Record(entry domain.RequestLog) {
	if r == nil || entry.DeploymentName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[entry.DeploymentName]
	if bucket == nil {
		bucket = &rollupBucket{}
		r.buckets[entry.DeploymentName] = bucket
	}
	bucket.count++
	if entry.Status >= 500 {
		bucket.errorCount++
	}
	lat := entry.DurationMS
	bucket.latencySum += lat
	if lat > bucket.latencyMax {
		bucket.latencyMax = lat
	}
	if len(bucket.latencies) < r.maxSamples {
		bucket.latencies = append(bucket.latencies, lat)
	} else {
		bucket.latencies[r.random.Intn(r.maxSamples)] = lat
	}
}

// Flush returns and resets the window for name.
func (r *Rollup) Flush(name string) RequestSummary {
	if r == nil {
		return RequestSummary{}
	}
	r.mu.Lock()
	bucket := r.buckets[name]
	delete(r.buckets, name)
	r.mu.Unlock()

	if bucket == nil {
		return RequestSummary{}
	}
	return bucket.summary()
}

// Forget drops any pending window for name.
func (r *Rollup) Forget(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.buckets, name)
	r.mu.Unlock()
}

func (b *rollupBucket) summary() RequestSummary {
	s := RequestSummary{
		Count:      b.count,
		ErrorCount: b.errorCount,
		MaxMS:      b.latencyMax,
	}
	if b.count > 0 {
		s.AvgMS = b.latencySum / float64(b.count)
	}
	if len(b.latencies) > 0 {
		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)
		s.P50MS = percentile(sorted, 0.50)
		s.P95MS = percentile(sorted, 0.95)
	}
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
