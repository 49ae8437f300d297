package params

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_ListsEveryBadField(t *testing.T) {
	p := ParameterSet{
		F0Method:     "dio",
		Protect:      0.7,
		IndexRate:    1.5,
		FilterRadius: 8,
		ResampleSR:   100,
		RMSMixRate:   -0.1,
	}
	err := p.Validate()
	require.ErrorIs(t, err, appErr.ErrInvalidParameters)
	detail := appErr.DetailOf(err)
	for _, field := range []string{"f0method", "protect", "index_rate", "filter_radius", "resample_sr", "rms_mix_rate"} {
		require.Contains(t, detail, field)
	}
	require.Contains(t, detail, `f0method="dio" (one of harvest, rmvpe, crepe, pm)`)
}

func TestValidate_Boundaries(t *testing.T) {
	p := Default()
	p.Protect = 0
	p.IndexRate = 1
	p.FilterRadius = 7
	p.ResampleSR = 48000
	p.RMSMixRate = 0
	require.NoError(t, p.Validate())

	p.Protect = math.NaN()
	require.Error(t, p.Validate())
}

func TestF0MethodIndex(t *testing.T) {
	require.Equal(t, 1, F0RMVPE.Index())
	require.Equal(t, -1, F0Method("").Index())
	require.Len(t, F0Methods(), 4)
}

func TestDefaultsStore_InheritsLastSet(t *testing.T) {
	s := NewDefaultsStore()
	got, src := s.Resolve(nil)
	require.Equal(t, Default(), got)
	require.Equal(t, SourceDefault, src)

	custom := Default()
	custom.F0Method = F0Harvest
	custom.FilterRadius = 5
	require.NoError(t, s.Set(custom))

	got, src = s.Resolve(nil)
	require.Equal(t, custom, got)
	require.Equal(t, SourceDefault, src)

	req := Default()
	req.Protect = 0.1
	got, src = s.Resolve(&req)
	require.Equal(t, req, got)
	require.Equal(t, SourceRequest, src)
}

func TestDefaultsStore_SetRejectsInvalid(t *testing.T) {
	s := NewDefaultsStore()
	bad := Default()
	bad.IndexRate = 2
	require.ErrorIs(t, s.Set(bad), appErr.ErrInvalidParameters)
	require.Equal(t, Default(), s.Get())
}

func TestDefaultsStore_ConcurrentAccess(t *testing.T) {
	s := NewDefaultsStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(radius int) {
			defer wg.Done()
			p := Default()
			p.FilterRadius = radius
			_ = s.Set(p)
		}(i % 8)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Get().Validate())
		}()
	}
	wg.Wait()
}
