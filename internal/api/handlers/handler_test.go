package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/api/lookup"
	"github.com/langchou/parkgazer/internal/config"
	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/position"
	"github.com/langchou/parkgazer/internal/service"
	"github.com/langchou/parkgazer/internal/signal"
	"github.com/langchou/parkgazer/internal/state"
)

type stubStore struct{}

func (stubStore) Create(ctx context.Context, s *models.ParkingSession) error { return nil }
func (stubStore) GetLatest(ctx context.Context) (*models.ParkingSession, error) {
	return nil, nil
}
func (stubStore) UpdatePosition(ctx context.Context, s *models.ParkingSession) error { return nil }
func (stubStore) SetDeparted(ctx context.Context, id string, at time.Time, d *float64, c *bool) (bool, error) {
	return true, nil
}

type stubLookup struct{}

func (stubLookup) Lookup(ctx context.Context, lat, lng float64) (*lookup.Result, error) {
	return &lookup.Result{}, nil
}

type stubReminders struct{}

func (stubReminders) Schedule(sessionID string, r models.RestrictionList) []models.ScheduledReminder {
	return nil
}
func (stubReminders) CancelAll(sessionID string) {}

type stubNotifier struct{}

func (stubNotifier) ShowNow(title, body string)                       {}
func (stubNotifier) ScheduleAt(at time.Time, title, body, tag string) {}
func (stubNotifier) CancelByTag(tagPrefix string)                     {}

type stubSource struct{}

func (stubSource) RequestFix(ctx context.Context) (*models.PositionFix, error) {
	return &models.PositionFix{Latitude: 41.88, Longitude: -87.63, AccuracyMeters: 10, RecordedAt: time.Now()}, nil
}

type testServer struct {
	router  *gin.Engine
	svc     *service.SessionService
	machine *state.Machine
	remote  *position.RemoteSource
	pairing *signal.PairingAdapter
	motion  *signal.MotionAdapter
}

type noopStateStore struct{}

func (noopStateStore) SaveState(ctx context.Context, state string) error { return nil }

// newTestServer 起一套无数据库的处理链；variant 为 "pairing" 或 "motion"
func newTestServer(t *testing.T, variant string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	cfg := &config.Config{
		SignalVariant:         variant,
		LookupTimeout:         time.Second,
		DebouncePairing:       30 * time.Millisecond,
		DebounceMotion:        30 * time.Millisecond,
		AcquireFastTimeout:    100 * time.Millisecond,
		RefineWindow:          100 * time.Millisecond,
		CachedFixMaxAge:       30 * time.Second,
		CachedFixMaxAccuracy:  100,
		DriftThresholdM:       25,
		DepartureConfirmDelay: time.Second,
		DepartureConfirmRetry: 1,
		ConclusiveDistanceM:   50,
		ParkedDedupWindow:     300 * time.Millisecond,
		OrphanMaxAge:          time.Hour,
	}

	var (
		pairing *signal.PairingAdapter
		motion  *signal.MotionAdapter
		adapter signal.Adapter
	)
	if variant == "motion" {
		motion = signal.NewMotionAdapter(logger, models.ConfidenceMedium, nil)
		adapter = motion
	} else {
		pairing = signal.NewPairingAdapter(logger)
		adapter = pairing
	}

	machine := state.NewMachine(logger, noopStateStore{}, cfg.Debounce())
	acquirer := position.NewAcquirer(logger, stubSource{}, cfg.AcquireFastTimeout, cfg.RefineWindow, cfg.CachedFixMaxAge, cfg.CachedFixMaxAccuracy)
	svc := service.NewSessionService(cfg, logger, machine, adapter, acquirer, stubLookup{}, stubStore{}, stubReminders{}, stubNotifier{})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	remote := position.NewRemoteSource(nil)
	h := NewHandler(logger, nil, svc, remote, pairing, motion, nil)

	router := gin.New()
	h.RegisterRoutes(router)

	return &testServer{router: router, svc: svc, machine: machine, remote: remote, pairing: pairing, motion: motion}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSignalEndpointsRejectWrongVariant(t *testing.T) {
	srv := newTestServer(t, "motion")

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodPost, "/api/signals/paired", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodPost, "/api/signals/unpaired", "").Code)

	srv2 := newTestServer(t, "pairing")
	assert.Equal(t, http.StatusNotFound, srv2.do(http.MethodPost, "/api/signals/activity", `{"activity":"automotive","confidence":"high"}`).Code)
}

func TestReportActivityValidation(t *testing.T) {
	srv := newTestServer(t, "motion")

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/api/signals/activity", `{"activity":"teleporting","confidence":"high"}`).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/api/signals/activity", `{"activity":"automotive","confidence":"certain"}`).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/api/signals/activity", `{}`).Code)
	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/api/signals/activity", `{"activity":"automotive","confidence":"high"}`).Code)
}

func TestReportPositionWakesRemoteWaiter(t *testing.T) {
	srv := newTestServer(t, "pairing")

	type fixResult struct {
		fix *models.PositionFix
		err error
	}
	got := make(chan fixResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fix, err := srv.remote.RequestFix(ctx)
		got <- fixResult{fix, err}
	}()

	// 等待者注册完成后再上报
	time.Sleep(20 * time.Millisecond)
	w := srv.do(http.MethodPost, "/api/signals/position", `{"latitude":41.88,"longitude":-87.63,"accuracy_meters":12}`)
	require.Equal(t, http.StatusOK, w.Code)

	res := <-got
	require.NoError(t, res.err)
	assert.InDelta(t, 41.88, res.fix.Latitude, 0.0001)
}

func TestReportPositionAcceptsZeroCoordinates(t *testing.T) {
	srv := newTestServer(t, "pairing")

	// 赤道/本初子午线上的 0 是合法坐标，缺字段才拒绝
	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/api/signals/position", `{"latitude":0,"longitude":0,"accuracy_meters":8}`).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/api/signals/position", `{"longitude":-87.63}`).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodPost, "/api/signals/position", `{"latitude":41.88}`).Code)
}

func TestStateAndCurrentSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, "pairing")

	w := srv.do(http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), state.StateInitializing)

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/api/sessions/current", "").Code)
}

func TestManualParkRefusedWhileDriving(t *testing.T) {
	srv := newTestServer(t, "pairing")

	require.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/api/signals/paired", "").Code)
	require.Eventually(t, func() bool {
		return srv.machine.Current() == state.StateDriving
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusConflict, srv.do(http.MethodPost, "/api/park", "").Code)
}

func TestManualParkFromInitializing(t *testing.T) {
	srv := newTestServer(t, "pairing")

	w := srv.do(http.MethodPost, "/api/park", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, state.StateParked, srv.machine.Current())

	// 幂等：再标记一次仍然成功
	assert.Equal(t, http.StatusOK, srv.do(http.MethodPost, "/api/park", "").Code)
}
