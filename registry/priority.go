package registry

// Priority thresholds.
const (
	lowSEOScore     = 50
	highPotential   = 100 * 1024
	slowLoadMs      = 3000
	defaultPriority = 5
	minPriority     = 1
	maxPriority     = 10
)

// Priority scores how urgently a page should be re-crawled: 5, +2 for a
// poor SEO score, +2 when more than 100 KiB could still be saved, +1 for a
// page slower than 3 s, clamped to [1, 10].
func Priority(seoScore int, potentialBytes, loadTimeMs int64) int {
	p := defaultPriority
	if seoScore < lowSEOScore {
		p += 2
	}
	if potentialBytes > highPotential {
		p += 2
	}
	if loadTimeMs > slowLoadMs {
		p++
	}
	return clamp(p, minPriority, maxPriority)
}

// Reclaimed is current − optimized, floored at zero. clamped reports that
// the optimized page came out larger.
func Reclaimed(current, optimized int64) (reclaimed int64, clamped bool) {
	d := current - optimized
	if d < 0 {
		return 0, true
	}
	return d, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
