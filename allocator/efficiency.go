package allocator

import (
	"math"
	"time"
)

const sizeFactorBytes = 100 * 1024

// Efficiency scores a bridge from its page optimization:
// 100 × (0.4 × saved fraction + 0.3 × seo/100 + 0.3 × min(reclaimed/100 KiB, 1)),
// rounded and clamped to [0, 100]. The compression term is the saved
// fraction 1 − optimized/current, not the raw ratio current/optimized, so it
// stays within [0, 1] like the other two terms.
func Efficiency(current, optimized, reclaimed int64, seoScore int) int {
	compression := 0.0
	if current > 0 {
		compression = 1 - float64(optimized)/float64(current)
		compression = math.Max(0, math.Min(1, compression))
	}
	seo := math.Max(0, math.Min(100, float64(seoScore))) / 100
	size := math.Min(float64(reclaimed)/sizeFactorBytes, 1)
	if size < 0 {
		size = 0
	}
	score := int(math.Round(100 * (0.4*compression + 0.3*seo + 0.3*size)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// nextOptimize is base × (2 − efficiency/100 − used/available), floored at
// minInterval: busy, efficient bridges are revisited sooner.
func nextOptimize(now time.Time, base, minInterval time.Duration, efficiency int, used, available int64) time.Time {
	usage := 0.0
	if available > 0 {
		usage = float64(used) / float64(available)
	}
	factor := 2 - float64(efficiency)/100 - usage
	d := time.Duration(float64(base) * factor)
	if d < minInterval {
		d = minInterval
	}
	return now.Add(d)
}
