package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

type fakeProber struct {
	cuda    int
	cleared []Spec
}

func (p *fakeProber) Available(kind Kind) bool {
	return kind == KindCPU || (kind == KindCUDA && p.cuda > 0)
}

func (p *fakeProber) Count(kind Kind) int {
	switch kind {
	case KindCPU:
		return 1
	case KindCUDA:
		return p.cuda
	}
	return 0
}

func (p *fakeProber) ClearCache(spec Spec) error {
	p.cleared = append(p.cleared, spec)
	return nil
}

func TestParseSpec(t *testing.T) {
	cases := map[string]Spec{
		"cpu":     {Kind: KindCPU},
		" CUDA ":  {Kind: KindCUDA},
		"cuda:3":  {Kind: KindCUDA, Index: 3},
		"mps":     {Kind: KindMPS},
		"cuda:0 ": {Kind: KindCUDA},
	}
	for raw, want := range cases {
		got, err := ParseSpec(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "gpu", "cuda:", "cuda:-1", "cuda:x"} {
		_, err := ParseSpec(raw)
		require.ErrorIs(t, err, appErr.ErrInvalid, raw)
	}
	require.Equal(t, "cuda:2", Spec{Kind: KindCUDA, Index: 2}.String())
	require.Equal(t, "cpu", Spec{Kind: KindCPU}.String())
}

func TestSelect_RunsHooksAndBumpsGeneration(t *testing.T) {
	prober := &fakeProber{cuda: 2}
	ctx, err := NewContext(prober, Spec{Kind: KindCUDA})
	require.NoError(t, err)
	gen := ctx.Generation()

	var seen []Spec
	ctx.OnSwitch(func(prev, next Spec) {
		seen = append(seen, prev, next)
	})
	next := Spec{Kind: KindCUDA, Index: 1}
	require.NoError(t, ctx.Select(context.Background(), next))

	require.Equal(t, next, ctx.Current())
	require.Greater(t, ctx.Generation(), gen)
	require.Equal(t, []Spec{{Kind: KindCUDA}, next}, seen)
	require.Equal(t, []Spec{{Kind: KindCUDA}}, prober.cleared)
}

func TestSelect_UnavailableKeepsPrior(t *testing.T) {
	prober := &fakeProber{cuda: 1}
	ctx, err := NewContext(prober, Spec{Kind: KindCPU})
	require.NoError(t, err)
	gen := ctx.Generation()
	called := false
	ctx.OnSwitch(func(prev, next Spec) { called = true })

	err = ctx.Select(context.Background(), Spec{Kind: KindCUDA, Index: 4})
	require.ErrorIs(t, err, appErr.ErrDeviceUnavailable)
	err = ctx.Select(context.Background(), Spec{Kind: KindMPS})
	require.ErrorIs(t, err, appErr.ErrDeviceUnavailable)

	require.Equal(t, Spec{Kind: KindCPU}, ctx.Current())
	require.Equal(t, gen, ctx.Generation())
	require.False(t, called)
}

func TestNewContext_RejectsUnavailableInitial(t *testing.T) {
	_, err := NewContext(&fakeProber{}, Spec{Kind: KindCUDA})
	require.ErrorIs(t, err, appErr.ErrDeviceUnavailable)
}

func TestCountVisible(t *testing.T) {
	require.Equal(t, 0, countVisible("", 4))
	require.Equal(t, 0, countVisible("-1", 4))
	require.Equal(t, 2, countVisible("0,1", 4))
	require.Equal(t, 1, countVisible("0,1,2", 1))
	require.Equal(t, 3, countVisible("0,1,2", 0))
}
