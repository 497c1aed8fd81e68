package resources

import (
	"github.com/shirou/gopsutil/v3/cpu"
)

// GopsutilSampler implements CPUSampler using a point-in-time CPU
// utilization reading. Percent(0, false) returns the percentage
// measured since the previous call rather than blocking to integrate
// over an interval, which matters here: Pace is called on every
// outbound audio frame and cannot afford to block on a sampling window.
type GopsutilSampler struct{}

// CPUPercent returns current system-wide CPU utilization as 0-100. A
// sampling error is treated as 0%, which never triggers the adaptive
// throttle on its own.
func (GopsutilSampler) CPUPercent() float64 {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return 0
	}
	return percentages[0]
}

var _ CPUSampler = GopsutilSampler{}
