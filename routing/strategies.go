package routing

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/openfluxai/fluxgate/provider"
)

// candidate is the router's view of one eligible provider at decision
// time: a consistent snapshot of its static descriptor and live signals.
type candidate struct {
	id      string
	tier    provider.Tier
	health  provider.HealthStatus
	weight  float64
	active  int64
	p95     float64
	scoreIs float64 // filled by scoring strategies
}

// rank orders candidates best-first for the given strategy. Candidates
// arrive sorted by id, which fixes all tie-breaks. The returned slice is
// the full preference order; the caller takes the head as selected and the
// next entries as fallbacks.
func rank(strategy Strategy, cands []candidate, rctx *Context, cfg *Config, rr *uint64, rng *lockedRand) []candidate {
	switch strategy {
	case StrategyRoundRobin:
		return rankRoundRobin(cands, rr)
	case StrategyRandom:
		return rankRandom(cands, rng)
	case StrategyWeightedRandom:
		return rankWeightedRandom(cands, rng)
	case StrategyLeastLoaded:
		return rankLeastLoaded(cands)
	case StrategyCostOptimized:
		return rankCostOptimized(cands)
	case StrategyLatencyOptimized:
		return rankLatencyOptimized(cands)
	case StrategyFailover:
		return rankFailover(cands)
	case StrategyUserSelected:
		return rankUserSelected(cands, rctx)
	default:
		return rankScored(cands, rctx, cfg)
	}
}

// rankRoundRobin rotates deterministically through the candidate set.
func rankRoundRobin(cands []candidate, counter *uint64) []candidate {
	n := uint64(len(cands))
	start := (atomic.AddUint64(counter, 1) - 1) % n
	out := make([]candidate, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, cands[(start+i)%n])
	}
	return out
}

func rankRandom(cands []candidate, rng *lockedRand) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	rng.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// rankWeightedRandom samples without replacement, probability proportional
// to configured weight. Zero-weight candidates sort last in id order.
func rankWeightedRandom(cands []candidate, rng *lockedRand) []candidate {
	remaining := make([]candidate, len(cands))
	copy(remaining, cands)
	out := make([]candidate, 0, len(cands))
	for len(remaining) > 0 {
		total := 0.0
		for _, c := range remaining {
			total += c.weight
		}
		if total <= 0 {
			out = append(out, remaining...)
			break
		}
		pick := rng.float64() * total
		idx := len(remaining) - 1
		acc := 0.0
		for i, c := range remaining {
			acc += c.weight
			if pick < acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// rankLeastLoaded orders by tracked active-request count; ties keep id
// order.
func rankLeastLoaded(cands []candidate) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return out[i].active < out[j].active })
	return out
}

// costScore maps a tier to its cost score: local/free 100, cloud 20,
// unknown 50. Highest wins.
func costScore(t provider.Tier) float64 {
	switch t {
	case provider.TierLocal:
		return 100
	case provider.TierCloud:
		return 20
	default:
		return 50
	}
}

func rankCostOptimized(cands []candidate) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].scoreIs = costScore(out[i].tier)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].scoreIs > out[j].scoreIs })
	return out
}

// rankLatencyOptimized orders by observed P95 latency ascending.
// Unobserved providers report zero and sort first.
func rankLatencyOptimized(cands []candidate) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return out[i].p95 < out[j].p95 })
	return out
}

// rankFailover keeps the incoming order but moves fully healthy providers
// ahead of degraded ones.
func rankFailover(cands []candidate) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.health == provider.Healthy {
			out = append(out, c)
		}
	}
	for _, c := range cands {
		if c.health != provider.Healthy {
			out = append(out, c)
		}
	}
	return out
}

// rankUserSelected keeps only the exact preferred provider. An empty
// result signals selection failure to the router.
func rankUserSelected(cands []candidate, rctx *Context) []candidate {
	for _, c := range cands {
		if c.id == rctx.PreferredProvider {
			return []candidate{c}
		}
	}
	return nil
}

// rankScored applies the additive default scoring:
// user preference +100, healthy +50 / degraded +25, cost-sensitive local
// +30, weight*5, prefer-local local +20, plus request priority. Negative
// scores clamp to zero; ties keep id order.
func rankScored(cands []candidate, rctx *Context, cfg *Config) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	for i := range out {
		score := 0.0
		if rctx.PreferredProvider != "" && out[i].id == rctx.PreferredProvider {
			score += 100
		}
		switch out[i].health {
		case provider.Healthy:
			score += 50
		case provider.Degraded:
			score += 25
		}
		if rctx.CostSensitive && out[i].tier == provider.TierLocal {
			score += 30
		}
		score += out[i].weight * 5
		if cfg.PreferLocal && out[i].tier == provider.TierLocal {
			score += 20
		}
		score += float64(rctx.Priority)
		if score < 0 {
			score = 0
		}
		out[i].scoreIs = score
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].scoreIs > out[j].scoreIs })
	return out
}

// lockedRand is a mutex-guarded rand.Rand shared by the router.
type lockedRand struct {
	mu  chan struct{}
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	lr := &lockedRand{
		mu:  make(chan struct{}, 1),
		rnd: rand.New(rand.NewSource(seed)), // #nosec G404 - selection, not crypto
	}
	return lr
}

func (l *lockedRand) float64() float64 {
	l.mu <- struct{}{}
	v := l.rnd.Float64()
	<-l.mu
	return v
}

func (l *lockedRand) shuffle(n int, swap func(i, j int)) {
	l.mu <- struct{}{}
	l.rnd.Shuffle(n, swap)
	<-l.mu
}
