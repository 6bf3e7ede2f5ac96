package units

import (
	"fmt"
	"math"
)

const (
	decimalBase = 1000
	binaryBase  = 1024
)

var (
	decimalUnits = []string{"KB", "MB", "GB", "TB"}
	binaryUnits  = []string{"KiB", "MiB", "GiB", "TiB"}
)

// ToMarketing formats a byte count the way drive packaging does (base 1000).
// ToMarketing(4_000_000_000_000) == "4.00 TB".
func ToMarketing(bytes uint64) string {
	return format(bytes, decimalBase, decimalUnits)
}

// ToBinary formats a byte count the way most operating systems do (base 1024).
// ToBinary(4_000_000_000_000) == "3.64 TiB".
func ToBinary(bytes uint64) string {
	return format(bytes, binaryBase, binaryUnits)
}

// DualCapacity renders both conventions, binary first: "3.64 TiB (4.00 TB)".
func DualCapacity(bytes uint64) string {
	return fmt.Sprintf("%s (%s)", ToBinary(bytes), ToMarketing(bytes))
}

// FromInt64 converts a signed byte count. Negative counts are a caller bug.
func FromInt64(bytes int64) uint64 {
	if bytes < 0 {
		panic(fmt.Sprintf("units: negative byte count %d", bytes))
	}
	return uint64(bytes)
}

// Megabytes converts bytes to binary megabytes (MiB) for tabular export.
func Megabytes(bytes uint64) float64 {
	return float64(bytes) / (binaryBase * binaryBase)
}

func format(bytes uint64, base float64, names []string) string {
	if float64(bytes) < base {
		return fmt.Sprintf("%d B", bytes)
	}

	value := float64(bytes)
	unit := -1
	for unit < len(names)-1 && value >= base {
		value /= base
		unit++
	}

	// 999.999 KB rounds to "1000.00 KB"; promote so the mantissa stays below base.
	if rounded := math.Round(value*100) / 100; rounded >= base && unit < len(names)-1 {
		value /= base
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, names[unit])
}
