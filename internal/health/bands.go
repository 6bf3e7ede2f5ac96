package health

// Band classifies a utilisation percentage for display and alert reasons.
type Band string

const (
	BandNormal   Band = "normal"
	BandElevated Band = "elevated"
	BandCritical Band = "critical"
)

// UsageBand buckets a percentage: below 50 is normal, below 80 elevated.
func UsageBand(pct float64) Band {
	switch {
	case pct < 50:
		return BandNormal
	case pct < 80:
		return BandElevated
	default:
		return BandCritical
	}
}

// PerformanceRating is a rough capacity figure: five points per logical core
// plus one per GiB of RAM, capped at 100.
func PerformanceRating(cores int, ramTotal uint64) int {
	if cores < 0 {
		cores = 0
	}
	gib := int(ramTotal >> 30)
	return min(100, cores*5+gib)
}
