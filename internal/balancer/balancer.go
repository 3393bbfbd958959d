package balancer

import (
	"sync"

	"rpcbatcher/internal/upstream"
)

// WeightedRoundRobin implements weighted round-robin load balancing
type WeightedRoundRobin struct {
	provider      UpstreamProvider
	mu            sync.Mutex
	currentIndex  int
	currentWeight int
}

// NewWeightedRoundRobin creates a new WeightedRoundRobin balancer
func NewWeightedRoundRobin(provider UpstreamProvider) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		provider:      provider,
		currentIndex:  -1,
		currentWeight: 0,
	}
}

// Next returns the next upstream for a batch using weighted round-robin.
// Main upstreams are preferred; fallback upstreams are used only when no
// main upstream is available. Upstreams named in exclude are skipped.
func (wrr *WeightedRoundRobin) Next(exclude map[string]bool) *upstream.Upstream {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	upstreams := wrr.getAvailable(exclude)
	if len(upstreams) == 0 {
		return nil
	}

	if len(upstreams) == 1 {
		return upstreams[0]
	}

	step := gcdWeights(upstreams)
	top := maxWeight(upstreams)

	for {
		wrr.currentIndex = (wrr.currentIndex + 1) % len(upstreams)

		if wrr.currentIndex == 0 {
			wrr.currentWeight -= step
			if wrr.currentWeight <= 0 {
				wrr.currentWeight = top
			}
		}

		u := upstreams[wrr.currentIndex]
		if u.Weight() >= wrr.currentWeight {
			return u
		}
	}
}

func (wrr *WeightedRoundRobin) getAvailable(exclude map[string]bool) []*upstream.Upstream {
	main := filterExcluded(wrr.provider.GetAvailableMain(), exclude)
	if len(main) > 0 {
		return main
	}
	return filterExcluded(wrr.provider.GetAvailableFallback(), exclude)
}

// filterExcluded removes excluded upstreams from the list
func filterExcluded(upstreams []*upstream.Upstream, exclude map[string]bool) []*upstream.Upstream {
	if len(exclude) == 0 {
		return upstreams
	}

	result := make([]*upstream.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if !exclude[u.Name()] {
			result = append(result, u)
		}
	}
	return result
}

// gcdWeights calculates the GCD of all upstream weights
func gcdWeights(upstreams []*upstream.Upstream) int {
	if len(upstreams) == 0 {
		return 1
	}

	result := upstreams[0].Weight()
	for i := 1; i < len(upstreams); i++ {
		result = gcd(result, upstreams[i].Weight())
	}
	return result
}

// maxWeight returns the maximum weight among upstreams
func maxWeight(upstreams []*upstream.Upstream) int {
	highest := 0
	for _, u := range upstreams {
		highest = max(highest, u.Weight())
	}
	return highest
}

// gcd calculates the greatest common divisor
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Reset resets the balancer state
func (wrr *WeightedRoundRobin) Reset() {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	wrr.currentIndex = -1
	wrr.currentWeight = 0
}
