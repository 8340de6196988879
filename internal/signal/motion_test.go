package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

func drainOne(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case e := <-events:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMotionAdapterFiltersLowConfidence(t *testing.T) {
	a := NewMotionAdapter(zap.NewNop(), models.ConfidenceMedium, nil)

	// 低置信度按无信号处理，不触发任何转换
	a.ReportActivity(models.ActivityAutomotive, models.ConfidenceLow, time.Now())
	assertNoEvent(t, a.Events())

	a.ReportActivity(models.ActivityAutomotive, models.ConfidenceHigh, time.Now())
	e := drainOne(t, a.Events())
	assert.Equal(t, EventActivityClassified, e.Kind)
	assert.Equal(t, models.ActivityAutomotive, e.Activity)
	assert.False(t, e.Synthetic)
}

func TestMotionAdapterCadenceNeverFullyOff(t *testing.T) {
	a := NewMotionAdapter(zap.NewNop(), models.ConfidenceMedium, nil)

	var changes []Cadence
	a.OnCadenceChange(func(c Cadence) {
		changes = append(changes, c)
	})

	assert.Equal(t, CadenceKeepAlive, a.Cadence())

	a.ReportActivity(models.ActivityAutomotive, models.ConfidenceHigh, time.Now())
	assert.Equal(t, CadenceFullRate, a.Cadence())

	a.NotifyParked()
	assert.Equal(t, CadenceKeepAlive, a.Cadence())

	require.Equal(t, []Cadence{CadenceFullRate, CadenceKeepAlive}, changes)
}

func TestMotionAdapterSyntheticDedupsAgainstClassifier(t *testing.T) {
	a := NewMotionAdapter(zap.NewNop(), models.ConfidenceMedium, nil)

	// 主分类器已给出 Automotive：速度兜底的同类结论不再补位
	a.ReportActivity(models.ActivityAutomotive, models.ConfidenceHigh, time.Now())
	drainOne(t, a.Events())

	a.emitSynthetic(models.ActivityAutomotive, time.Now())
	assertNoEvent(t, a.Events())

	// 分类器还没跟上的结论由兜底补位
	a.emitSynthetic(models.ActivityStationary, time.Now())
	e := drainOne(t, a.Events())
	assert.Equal(t, models.ActivityStationary, e.Activity)
	assert.True(t, e.Synthetic)
}

func TestMotionAdapterFeedsSpeedMonitor(t *testing.T) {
	speed := NewSpeedMonitor(20, 100*time.Millisecond, 200*time.Millisecond)
	a := NewMotionAdapter(zap.NewNop(), models.ConfidenceMedium, speed)

	// 持续超阈值的速度经兜底折算为合成 Automotive
	start := time.Now()
	for i := 0; i <= 3; i++ {
		a.ReportFix(fixAt(start.Add(time.Duration(i)*40*time.Millisecond), 40), false)
	}

	var sawSynthetic bool
	for i := 0; i < 8; i++ {
		select {
		case e := <-a.Events():
			if e.Kind == EventActivityClassified && e.Synthetic {
				sawSynthetic = true
				assert.Equal(t, models.ActivityAutomotive, e.Activity)
			}
		case <-time.After(100 * time.Millisecond):
		}
		if sawSynthetic {
			break
		}
	}
	assert.True(t, sawSynthetic, "speed fallback should emit synthetic automotive")
}

func TestPairingAdapterEmitsConnectionEvents(t *testing.T) {
	a := NewPairingAdapter(zap.NewNop())

	a.ReportPaired(time.Now())
	e := drainOne(t, a.Events())
	assert.Equal(t, EventConnected, e.Kind)

	a.ReportUnpaired(time.Now())
	e = drainOne(t, a.Events())
	assert.Equal(t, EventDisconnected, e.Kind)

	a.ReportFix(&models.PositionFix{Latitude: 41.88, Longitude: -87.63, RecordedAt: time.Now()}, true)
	e = drainOne(t, a.Events())
	assert.Equal(t, EventPositionUpdate, e.Kind)
	assert.True(t, e.WhileDriving)
}
