package robinhood

import (
	"fmt"
	"strings"
)

// Stats is table statistics.
//
// Warning: table statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type Stats struct {
	// Capacity is the number of ideal buckets, a power of two.
	Capacity uint64
	// Slots is the physical slot count. It exceeds Capacity by the
	// overflow tail of a ParTable.
	Slots uint64
	// Size is the number of occupied slots.
	Size uint64
	// Counter is the size according to the table counter. In case of
	// concurrent modifications this may differ from Size.
	Counter uint64
	// MaxDisplacement is the largest probe displacement of any entry.
	MaxDisplacement uint32
	// MeanDisplacement is the average probe displacement of the entries.
	MeanDisplacement float64
	// LoadFactor is Size divided by Capacity.
	LoadFactor float64
	// MaxLoadFactor is the configured resize threshold.
	MaxLoadFactor float64
	// TotalGrowths is the number of times the table doubled.
	TotalGrowths uint32
	// Stripes is the number of stripe locks; 0 for a SeqTable.
	Stripes int
}

// addSlot accounts for one occupied slot.
func (s *Stats) addSlot(dist uint32, total *uint64) {
	s.Size++
	*total += uint64(dist)
	if dist > s.MaxDisplacement {
		s.MaxDisplacement = dist
	}
}

// finish derives the ratios once every slot has been added.
func (s *Stats) finish(total uint64) {
	if s.Size != 0 {
		s.MeanDisplacement = float64(total) / float64(s.Size)
	}
	if s.Capacity != 0 {
		s.LoadFactor = float64(s.Size) / float64(s.Capacity)
	}
}

// ToString returns string representation of table stats.
func (s *Stats) ToString() string {
	var sb strings.Builder
	sb.WriteString("Stats{\n")
	sb.WriteString(fmt.Sprintf("Capacity:         %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Slots:            %d\n", s.Slots))
	sb.WriteString(fmt.Sprintf("Size:             %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:          %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("MaxDisplacement:  %d\n", s.MaxDisplacement))
	sb.WriteString(fmt.Sprintf("MeanDisplacement: %.3f\n", s.MeanDisplacement))
	sb.WriteString(fmt.Sprintf("LoadFactor:       %.3f\n", s.LoadFactor))
	sb.WriteString(fmt.Sprintf("MaxLoadFactor:    %.3f\n", s.MaxLoadFactor))
	sb.WriteString(fmt.Sprintf("TotalGrowths:     %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("Stripes:          %d\n", s.Stripes))
	sb.WriteString("}\n")
	return sb.String()
}
