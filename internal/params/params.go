// Package params holds the per-request voice conversion parameters and the
// process-wide default set applied to requests that omit them.
package params

import (
	"fmt"
	"strings"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

type F0Method string

const (
	F0Harvest F0Method = "harvest"
	F0RMVPE   F0Method = "rmvpe"
	F0Crepe   F0Method = "crepe"
	F0PM      F0Method = "pm"
)

var f0Methods = []F0Method{F0Harvest, F0RMVPE, F0Crepe, F0PM}

// F0Methods lists the accepted pitch extractors in their fixed order.
func F0Methods() []F0Method {
	out := make([]F0Method, len(f0Methods))
	copy(out, f0Methods)
	return out
}

// Index is the position of m in the fixed method list, -1 when unknown.
func (m F0Method) Index() int {
	for i, item := range f0Methods {
		if item == m {
			return i
		}
	}
	return -1
}

const (
	MaxProtect      = 0.5
	MaxFilterRadius = 7
	MinResampleSR   = 8000
	MaxResampleSR   = 192000
)

type ParameterSet struct {
	F0Method     F0Method `json:"f0method"`
	Protect      float64  `json:"protect"`
	IndexRate    float64  `json:"index_rate"`
	FilterRadius int      `json:"filter_radius"`
	ResampleSR   int      `json:"resample_sr"`
	RMSMixRate   float64  `json:"rms_mix_rate"`
}

func Default() ParameterSet {
	return ParameterSet{
		F0Method:     F0RMVPE,
		Protect:      0.5,
		IndexRate:    0.75,
		FilterRadius: 3,
		ResampleSR:   0,
		RMSMixRate:   0.25,
	}
}

// Validate reports every out-of-range field at once.
func (p ParameterSet) Validate() error {
	var fields []string
	if p.F0Method.Index() < 0 {
		names := make([]string, 0, len(f0Methods))
		for _, m := range F0Methods() {
			names = append(names, string(m))
		}
		fields = append(fields, fmt.Sprintf("f0method=%q (one of %s)", p.F0Method, strings.Join(names, ", ")))
	}
	if !inRange(p.Protect, 0, MaxProtect) {
		fields = append(fields, fmt.Sprintf("protect=%v (0..%v)", p.Protect, MaxProtect))
	}
	if !inRange(p.IndexRate, 0, 1) {
		fields = append(fields, fmt.Sprintf("index_rate=%v (0..1)", p.IndexRate))
	}
	if p.FilterRadius < 0 || p.FilterRadius > MaxFilterRadius {
		fields = append(fields, fmt.Sprintf("filter_radius=%d (0..%d)", p.FilterRadius, MaxFilterRadius))
	}
	if p.ResampleSR != 0 && (p.ResampleSR < MinResampleSR || p.ResampleSR > MaxResampleSR) {
		fields = append(fields, fmt.Sprintf("resample_sr=%d (0 or %d..%d)", p.ResampleSR, MinResampleSR, MaxResampleSR))
	}
	if !inRange(p.RMSMixRate, 0, 1) {
		fields = append(fields, fmt.Sprintf("rms_mix_rate=%v (0..1)", p.RMSMixRate))
	}
	if len(fields) == 0 {
		return nil
	}
	return appErr.New(appErr.ErrInvalidParameters, strings.Join(fields, "; "))
}

// NaN fails both comparisons and is rejected.
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
