package strategy

import (
	"fmt"
	"strings"
)

// Status labels shown for scored markets
const (
	StatusBuyReady   = "buy-ready"
	StatusMonitoring = "monitoring"
)

// Component names of the composite buy score
const (
	ComponentStrength      = "strength"
	ComponentVolumeSpike   = "volume_spike"
	ComponentOrderbook     = "orderbook"
	ComponentMomentum      = "momentum"
	ComponentNearHigh      = "near_high"
	ComponentTrendReversal = "trend_reversal"
	ComponentWilliams      = "williams_r"
	ComponentStochastic    = "stochastic"
	ComponentMACD          = "macd"
)

// Component is one signal that fired, with the measured value
// and the weight it added
type Component struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// ScoreBreakdown is the per-market result of one scoring pass.
// It is recomputed on every scan and never stored.
type ScoreBreakdown struct {
	Market     string      `json:"market"`
	Total      float64     `json:"total"`
	Components []Component `json:"components"`
	Vetoed     bool        `json:"vetoed"`
	VetoReason string      `json:"veto_reason,omitempty"`
}

func (b *ScoreBreakdown) add(name string, value, contribution float64) {
	b.Components = append(b.Components, Component{Name: name, Value: value, Contribution: contribution})
	b.Total += contribution
}

// Trace renders the fired components for logs and the dashboard
func (b *ScoreBreakdown) Trace() string {
	if b == nil {
		return ""
	}
	if b.Vetoed {
		return "veto: " + b.VetoReason
	}
	if len(b.Components) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(b.Components))
	for _, c := range b.Components {
		parts = append(parts, fmt.Sprintf("%s+%.1f(%.2f)", c.Name, c.Contribution, c.Value))
	}
	return strings.Join(parts, " ")
}

// Qualifies reports whether total reaches the entry threshold
func Qualifies(total, threshold float64) bool {
	return total >= threshold
}

// StatusFor returns the display status for a score
func StatusFor(total, threshold float64) string {
	if Qualifies(total, threshold) {
		return StatusBuyReady
	}
	return StatusMonitoring
}
