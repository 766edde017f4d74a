package scorer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

func latency(d time.Duration) *time.Duration {
	return &d
}

func endpoint(tier int, status model.Status, lat *time.Duration, features ...string) *model.Endpoint {
	return &model.Endpoint{
		Name:           "ep",
		Kind:           model.KindBlockchainRPC,
		Tier:           tier,
		Priority:       model.DefaultPriority,
		DeclaredUptime: model.DefaultDeclaredUptime,
		Features:       model.NormalizeFeatures(features),
		State: model.ProbeState{
			Status:  status,
			Latency: lat,
		},
	}
}

func TestScore_Components(t *testing.T) {
	s := New(DefaultParams())

	t.Run("tier bonus", func(t *testing.T) {
		assert.True(t, s.Breakdown(endpoint(1, model.StatusDown, nil)).Tier.Equal(decimal.NewFromInt(100)))
		assert.True(t, s.Breakdown(endpoint(2, model.StatusDown, nil)).Tier.Equal(decimal.NewFromInt(50)))
		assert.True(t, s.Breakdown(endpoint(3, model.StatusDown, nil)).Tier.IsZero())
	})

	t.Run("latency buckets", func(t *testing.T) {
		cases := []struct {
			lat  *time.Duration
			want int64
		}{
			{nil, 0},
			{latency(99 * time.Millisecond), 30},
			{latency(100 * time.Millisecond), 20},
			{latency(499 * time.Millisecond), 20},
			{latency(900 * time.Millisecond), 10},
			{latency(time.Second), 0},
			{latency(8 * time.Second), 0},
		}
		for _, tc := range cases {
			got := s.Breakdown(endpoint(1, model.StatusHealthy, tc.lat)).Latency
			assert.True(t, got.Equal(decimal.NewFromInt(tc.want)), "latency %v: got %s", tc.lat, got)
		}
	})

	t.Run("uptime prior", func(t *testing.T) {
		e := endpoint(1, model.StatusUnknown, nil)
		e.DeclaredUptime = 0.99
		assert.Equal(t, "49.5", s.Breakdown(e).Uptime.String())
	})

	t.Run("feature bonuses ignore unknown tags", func(t *testing.T) {
		e := endpoint(1, model.StatusHealthy, nil,
			model.FeatureHighReliability, model.FeatureFastResponse, model.FeatureNoRateLimit, "brand_new_tag")
		assert.True(t, s.Breakdown(e).Features.Equal(decimal.NewFromInt(60)))
	})

	t.Run("status bonus", func(t *testing.T) {
		assert.True(t, s.Breakdown(endpoint(1, model.StatusHealthy, nil)).Status.Equal(decimal.NewFromInt(50)))
		assert.True(t, s.Breakdown(endpoint(1, model.StatusDegraded, nil)).Status.Equal(decimal.NewFromInt(25)))
		assert.True(t, s.Breakdown(endpoint(1, model.StatusDown, nil)).Status.IsZero())
		assert.True(t, s.Breakdown(endpoint(1, model.StatusUnknown, nil)).Status.IsZero())
	})

	t.Run("priority is clamped", func(t *testing.T) {
		cases := map[int]int64{-5: 50, 0: 50, 1: 45, 4: 30, 10: 0, 42: 0}
		for priority, want := range cases {
			e := endpoint(1, model.StatusHealthy, nil)
			e.Priority = priority
			assert.True(t, s.Breakdown(e).Priority.Equal(decimal.NewFromInt(want)), "priority %d", priority)
		}
	})
}

func TestScore_AlgonodeDefaults(t *testing.T) {
	s := New(DefaultParams())
	e := endpoint(1, model.StatusHealthy, latency(80*time.Millisecond),
		model.FeatureHighReliability, model.FeatureFastResponse, model.FeatureNoRateLimit)
	e.Priority = 1
	e.DeclaredUptime = 0.99

	// 100 + 30 + 49.5 + 60 + 50 + 45
	assert.Equal(t, "334.5", s.Score(e).String())
}

func TestScore_DownStillScored(t *testing.T) {
	s := New(DefaultParams())
	e := endpoint(1, model.StatusDown, nil, model.FeatureEnterpriseGrade)
	assert.True(t, s.Score(e).GreaterThan(decimal.Zero))
}

func TestScore_UptimeMonotonic(t *testing.T) {
	s := New(DefaultParams())
	statuses := []model.Status{model.StatusHealthy, model.StatusDegraded, model.StatusDown, model.StatusUnknown}
	latencies := []*time.Duration{nil, latency(50 * time.Millisecond), latency(2 * time.Second)}

	for _, st := range statuses {
		for _, lat := range latencies {
			for tier := 0; tier <= 3; tier++ {
				prev := decimal.NewFromInt(-1)
				for u := 1; u <= 100; u++ {
					e := endpoint(tier, st, lat, model.FeatureNoRateLimit)
					e.DeclaredUptime = float64(u) / 100
					score := s.Score(e)
					require.True(t, score.GreaterThanOrEqual(prev),
						"status=%s tier=%d uptime=%v score=%s prev=%s", st, tier, e.DeclaredUptime, score, prev)
					prev = score
				}
			}
		}
	}
}

func TestScore_LatencyVersusFeature(t *testing.T) {
	s := New(DefaultParams())
	a := endpoint(1, model.StatusHealthy, latency(80*time.Millisecond))
	b := endpoint(1, model.StatusHealthy, latency(900*time.Millisecond), model.FeatureNoRateLimit)

	// (30 - 10) - 15
	assert.Equal(t, "5", s.Score(a).Sub(s.Score(b)).String())
}

func TestParams(t *testing.T) {
	t.Run("custom buckets are sorted", func(t *testing.T) {
		p := DefaultParams()
		p.LatencyBuckets = []LatencyBucket{
			{Below: time.Second, Bonus: 1},
			{Below: 10 * time.Millisecond, Bonus: 100},
		}
		s := New(p)
		assert.True(t, s.Breakdown(endpoint(1, model.StatusHealthy, latency(5*time.Millisecond))).Latency.Equal(decimal.NewFromInt(100)))
		assert.True(t, s.Breakdown(endpoint(1, model.StatusHealthy, latency(500*time.Millisecond))).Latency.Equal(decimal.NewFromInt(1)))
	})

	t.Run("validate rejects negative weights", func(t *testing.T) {
		p := DefaultParams()
		p.UptimeWeight = ptr(-1.0)
		assert.Error(t, p.Validate())

		p = DefaultParams()
		p.LatencyBuckets = []LatencyBucket{{Below: 0, Bonus: 1}}
		assert.Error(t, p.Validate())

		assert.NoError(t, DefaultParams().Validate())
	})

	t.Run("zero params fall back to defaults", func(t *testing.T) {
		e := endpoint(1, model.StatusHealthy, nil)
		assert.True(t, New(Params{}).Score(e).Equal(New(DefaultParams()).Score(e)))
	})
}

func TestParams_WithDefaults(t *testing.T) {
	t.Run("explicit zero weights are kept", func(t *testing.T) {
		s := New(Params{UptimeWeight: ptr(0.0), PriorityWeight: ptr(0.0)})
		b := s.Breakdown(endpoint(1, model.StatusHealthy, nil))

		assert.True(t, b.Uptime.IsZero())
		assert.True(t, b.Priority.IsZero())
		assert.True(t, b.Tier.Equal(decimal.NewFromInt(100)))
	})

	t.Run("bonus maps merge per key", func(t *testing.T) {
		p := Params{
			FeatureBonus: map[string]float64{model.FeatureFastResponse: 40, model.FeatureNoRateLimit: 0},
			StatusBonus:  map[model.Status]float64{model.StatusDegraded: 10},
		}.WithDefaults()

		assert.Equal(t, 40.0, p.FeatureBonus[model.FeatureFastResponse])
		assert.Equal(t, 25.0, p.FeatureBonus[model.FeatureHighReliability], "unlisted tags keep their default")
		assert.Equal(t, 0.0, p.FeatureBonus[model.FeatureNoRateLimit])
		assert.Equal(t, 50.0, p.StatusBonus[model.StatusHealthy])
		assert.Equal(t, 10.0, p.StatusBonus[model.StatusDegraded])
		assert.Equal(t, 100.0, p.TierBonus[1])

		b := New(p).Breakdown(endpoint(2, model.StatusDegraded, nil,
			model.FeatureHighReliability, model.FeatureFastResponse, model.FeatureNoRateLimit))
		assert.True(t, b.Features.Equal(decimal.NewFromInt(65)))
		assert.True(t, b.Status.Equal(decimal.NewFromInt(10)))
	})

	t.Run("defaults are not shared", func(t *testing.T) {
		p := Params{}.WithDefaults()
		p.FeatureBonus[model.FeatureFastResponse] = 99
		assert.Equal(t, 20.0, DefaultParams().FeatureBonus[model.FeatureFastResponse])
	})
}
