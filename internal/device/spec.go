package device

import (
	"fmt"
	"strconv"
	"strings"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

type Kind string

const (
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
	KindMPS  Kind = "mps"
)

// Spec names one compute device, e.g. "cpu" or "cuda:1".
type Spec struct {
	Kind  Kind
	Index int
}

func (s Spec) String() string {
	if s.Kind == KindCUDA {
		return fmt.Sprintf("cuda:%d", s.Index)
	}
	return string(s.Kind)
}

func (s Spec) IsAccelerator() bool {
	return s.Kind != KindCPU
}

// ParseSpec accepts cpu, mps, cuda and cuda:<n>.
func ParseSpec(raw string) (Spec, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case value == string(KindCPU):
		return Spec{Kind: KindCPU}, nil
	case value == string(KindMPS):
		return Spec{Kind: KindMPS}, nil
	case value == string(KindCUDA):
		return Spec{Kind: KindCUDA}, nil
	case strings.HasPrefix(value, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(value, "cuda:"))
		if err != nil || idx < 0 {
			return Spec{}, appErr.Newf(appErr.ErrInvalid, "malformed device index in %q", raw)
		}
		return Spec{Kind: KindCUDA, Index: idx}, nil
	default:
		return Spec{}, appErr.Newf(appErr.ErrInvalid, "unknown device %q", raw)
	}
}
