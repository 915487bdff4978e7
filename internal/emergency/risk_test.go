package emergency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func TestViolated(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		value     float64
		threshold float64
		want      bool
	}{
		{"loss below negative threshold", schema.RiskDailyLoss, -550, -500, true},
		{"loss at negative threshold", schema.RiskDailyLoss, -500, -500, true},
		{"loss within negative threshold", schema.RiskDailyLoss, -499, -500, false},
		{"loss as magnitude", schema.RiskDailyLoss, 600, 500, true},
		{"loss magnitude within", schema.RiskDailyLoss, 100, 500, false},
		{"long position over", schema.RiskPositionSize, 12, 10, true},
		{"short position over", schema.RiskPositionSize, -12, 10, true},
		{"position within", schema.RiskPositionSize, 9, 10, false},
		{"frequency at limit", schema.RiskTradeFrequency, 20, 20, true},
		{"frequency under", schema.RiskTradeFrequency, 19, 20, false},
		{"unknown kind upper bound", "max_leverage", 5, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Violated(tt.kind, tt.value, tt.threshold))
		})
	}
}

func TestCheckRiskLimit_AutoHalt(t *testing.T) {
	c := New()
	err := c.CheckRiskLimit(schema.RiskDailyLoss, -550, schema.RiskLimit{Threshold: -500, AutoHalt: true})

	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRiskLimitExceeded))
	assert.Equal(t, schema.EmergencyHalt, c.State())
	assert.True(t, isClosed(c.Done()))

	_, err = c.Permit(schema.CategoryAction, true)
	assert.True(t, schema.HasCode(err, schema.ErrCodeEmergencyHalted))

	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, ActionAutoHalt, hist[0].Action)
}

func TestCheckRiskLimit_WithoutAutoHaltKeepsState(t *testing.T) {
	c := New()
	err := c.CheckRiskLimit(schema.RiskPositionSize, 15, schema.RiskLimit{Threshold: 10})
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, false, se.Details["auto_halted"])
	assert.Equal(t, schema.EmergencyNormal, c.State())
}

func TestCheckRiskLimit_PassDoesNothing(t *testing.T) {
	c := New()
	assert.NoError(t, c.CheckRiskLimit(schema.RiskDailyLoss, -100, schema.RiskLimit{Threshold: -500, AutoHalt: true}))
	assert.Equal(t, schema.EmergencyNormal, c.State())
}

func TestCheckRiskLimit_AlreadyShutdownStaysShutdown(t *testing.T) {
	c := New()
	require.NoError(t, c.EmergencyHalt("outage"))
	err := c.CheckRiskLimit(schema.RiskDailyLoss, -900, schema.RiskLimit{Threshold: -500, AutoHalt: true})
	assert.Error(t, err)
	assert.Equal(t, schema.EmergencyShutdown, c.State())
}

func TestCheckRiskLimit_ConcurrentChecksHaltOnce(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.CheckRiskLimit(schema.RiskTradeFrequency, 100, schema.RiskLimit{Threshold: 50, AutoHalt: true})
		}()
	}
	wg.Wait()
	assert.Equal(t, schema.EmergencyHalt, c.State())
	assert.Len(t, c.History(), 1)
}
