//go:build race

package robinhood

// raceEnabled reports whether the race detector is on. Stress tests shrink
// their workloads under it.
const raceEnabled = true
