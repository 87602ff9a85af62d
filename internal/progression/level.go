// Package progression maps lifetime spin counts to player levels.
package progression

// spinsPerLevelStep controls curve steepness: reaching level n requires
// spinsPerLevelStep * n * (n-1) / 2 lifetime spins (0, 50, 150, 300, ...).
const spinsPerLevelStep = 50

// MaxLevel caps the curve.
const MaxLevel = 100

// LevelFor returns the level reached after totalSpins lifetime spins.
// It is a monotonic step function starting at level 1.
func LevelFor(totalSpins int64) int {
	if totalSpins < 0 {
		totalSpins = 0
	}
	level := 1
	for level < MaxLevel && totalSpins >= ThresholdFor(level+1) {
		level++
	}
	return level
}

// ThresholdFor returns the lifetime spins needed to reach level.
func ThresholdFor(level int) int64 {
	if level <= 1 {
		return 0
	}
	n := int64(level)
	return spinsPerLevelStep * n * (n - 1) / 2
}
