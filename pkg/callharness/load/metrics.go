package load

import (
	"fmt"
	"sort"
	"sync"
)

// Counter names reported by the join/leave flow.
const (
	MetricJoined     = "webrtc.user.joined"
	MetricLocalVideo = "webrtc.local_video.success"
	MetricError      = "webrtc.error"
)

// Counters is a set of named monotonic counters, safe for concurrent use.
type Counters struct {
	mu sync.Mutex
	m  map[string]int
}

// NewCounters returns an empty set.
func NewCounters() *Counters {
	return &Counters{m: make(map[string]int)}
}

// Inc adds one to name.
func (c *Counters) Inc(name string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
}

// Get returns the current value of name.
func (c *Counters) Get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// Snapshot copies all counters.
func (c *Counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Thresholds are pass criteria as ratios of launched virtual users.
type Thresholds struct {
	MinJoinedRatio     float64
	MinLocalVideoRatio float64
	MaxErrorRatio      float64
}

// DefaultThresholds requires 95% of users to join and show video and at
// most 5% to fail.
func DefaultThresholds() Thresholds {
	return Thresholds{MinJoinedRatio: 0.95, MinLocalVideoRatio: 0.95, MaxErrorRatio: 0.05}
}

// ThresholdResult is one evaluated criterion.
type ThresholdResult struct {
	Metric string
	Ratio  float64
	Limit  float64
	Max    bool // Limit is an upper bound
	Pass   bool
}

func (r ThresholdResult) String() string {
	op := ">="
	if r.Max {
		op = "<="
	}
	return fmt.Sprintf("%s %.3f %s %.3f", r.Metric, r.Ratio, op, r.Limit)
}

// Evaluate checks counters against t for vus launched users.
func (t Thresholds) Evaluate(counters map[string]int, vus int) []ThresholdResult {
	ratio := func(name string) float64 {
		if vus == 0 {
			return 0
		}
		return float64(counters[name]) / float64(vus)
	}
	res := []ThresholdResult{
		{Metric: MetricJoined, Ratio: ratio(MetricJoined), Limit: t.MinJoinedRatio},
		{Metric: MetricLocalVideo, Ratio: ratio(MetricLocalVideo), Limit: t.MinLocalVideoRatio},
		{Metric: MetricError, Ratio: ratio(MetricError), Limit: t.MaxErrorRatio, Max: true},
	}
	for i := range res {
		if res[i].Max {
			res[i].Pass = res[i].Ratio <= res[i].Limit
		} else {
			res[i].Pass = vus > 0 && res[i].Ratio >= res[i].Limit
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Metric < res[j].Metric })
	return res
}
