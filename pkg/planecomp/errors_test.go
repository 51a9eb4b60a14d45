package planecomp

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryUnknown},
		{"plain", errors.New("x"), ErrorCategoryUnknown},
		{"categorized", NewCategorizedError(errors.New("x"), ErrorCategoryRender, SeverityError), ErrorCategoryRender},
		{"resize", &kms.Error{Op: "resize", Plane: 2, Err: kms.ErrResize}, ErrorCategoryResize},
		{"no plane", fmt.Errorf("window %q: %w", "a", &kms.Error{Op: "allocate", Plane: -1, Err: kms.ErrNoPlane}), ErrorCategoryAllocation},
		{"primary", &kms.Error{Op: "open", Plane: 0, Err: kms.ErrPrimaryPlane}, ErrorCategoryAllocation},
		{"device open", fmt.Errorf("%w: %w", kms.ErrDeviceOpen, drm.ErrNoDevice), ErrorCategoryDevice},
		{"unsupported", drm.ErrUnsupported, ErrorCategoryDevice},
		{"flip worker", &kms.Error{Op: "flip", Plane: 1, Err: errors.New("EBUSY")}, ErrorCategoryFlip},
		{"schedule", &kms.Error{Op: "schedule flip", Plane: 1, Err: kms.ErrQueueClosed}, ErrorCategoryFlip},
		{"apply", &kms.Error{Op: "apply", Plane: 1, Err: errors.New("EINVAL")}, ErrorCategoryDevice},
		{"validation", fmt.Errorf("validation failed: %w", config.ValidationError{Field: "buffers", Message: "bad"}), ErrorCategoryConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCategoryAndSeverityString(t *testing.T) {
	if got := ErrorCategoryFlip.String(); got != "flip" {
		t.Errorf("ErrorCategoryFlip = %q", got)
	}
	if got := ErrorCategory(99).String(); got != "unknown" {
		t.Errorf("ErrorCategory(99) = %q", got)
	}
	if got := SeverityCritical.String(); got != "critical" {
		t.Errorf("SeverityCritical = %q", got)
	}
}

func TestCategorizedError(t *testing.T) {
	base := errors.New("plane busy")
	ce := NewCategorizedError(base, ErrorCategoryAllocation, SeverityWarning).
		WithContext("window", "clock")

	if !errors.Is(ce, base) {
		t.Error("errors.Is does not reach the wrapped error")
	}
	if got := ce.Error(); got != "[warning/allocation] plane busy" {
		t.Errorf("Error() = %q", got)
	}
	if ce.Context["window"] != "clock" {
		t.Errorf("Context = %v", ce.Context)
	}
	if got := (&CategorizedError{}).Error(); got != "[info/unknown] (no error)" {
		t.Errorf("empty Error() = %q", got)
	}
}

func newTestTracker(cfg ErrorTrackerConfig) (*ErrorTracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(5000, 0)}
	tr := NewErrorTracker(cfg)
	tr.now = clock.now
	return tr, clock
}

func TestErrorTrackerRecordAndStats(t *testing.T) {
	tr, _ := newTestTracker(ErrorTrackerConfig{MaxErrors: 3})
	tr.RecordError(&kms.Error{Op: "flip", Plane: 1, Err: errors.New("x")}, SeverityError)
	tr.RecordError(kms.ErrNoPlane, SeverityWarning)
	tr.RecordError(kms.ErrNoPlane, SeverityWarning)
	tr.RecordError(kms.ErrNoPlane, SeverityWarning)
	if tr.RecordError(nil, SeverityError) != nil {
		t.Error("RecordError(nil) returned an error")
	}

	st := tr.Stats()
	if st.TotalErrors != 3 {
		t.Errorf("TotalErrors = %d, want 3 (MaxErrors)", st.TotalErrors)
	}
	if st.ErrorsByCategory[ErrorCategoryAllocation] != 3 {
		t.Errorf("retained allocation errors = %d, want 3", st.ErrorsByCategory[ErrorCategoryAllocation])
	}
	if st.TotalByCategory[ErrorCategoryFlip] != 1 {
		t.Errorf("lifetime flip errors = %d, want 1 after trimming", st.TotalByCategory[ErrorCategoryFlip])
	}
	if st.ErrorsBySeverity[SeverityWarning] != 3 {
		t.Errorf("warnings = %d, want 3", st.ErrorsBySeverity[SeverityWarning])
	}

	recent := tr.RecentErrors(2)
	if len(recent) != 2 || recent[1].Category != ErrorCategoryAllocation {
		t.Errorf("RecentErrors(2) = %+v", recent)
	}
	tr.Clear()
	if tr.Stats().TotalErrors != 0 {
		t.Error("Clear() kept errors")
	}
}

func TestErrorTrackerRates(t *testing.T) {
	tr, clock := newTestTracker(ErrorTrackerConfig{RetentionTime: time.Minute})
	for i := 0; i < 10; i++ {
		tr.RecordError(&kms.Error{Op: "flip", Plane: 1, Err: errors.New("x")}, SeverityError)
	}
	tr.RecordError(kms.ErrResize, SeverityError)

	if got := tr.ErrorRate(10 * time.Second); got != 1.1 {
		t.Errorf("ErrorRate = %v, want 1.1", got)
	}
	if got := tr.ErrorRateByCategory(ErrorCategoryFlip, 10*time.Second); got != 1 {
		t.Errorf("flip rate = %v, want 1", got)
	}
	if got := tr.ErrorRate(0); got != 0 {
		t.Errorf("ErrorRate(0) = %v", got)
	}

	clock.advance(2 * time.Minute)
	tr.RecordError(errors.New("later"), SeverityInfo)
	if got := tr.Stats().TotalErrors; got != 1 {
		t.Errorf("TotalErrors after retention = %d, want 1", got)
	}
}

func TestErrorTrackerAlerts(t *testing.T) {
	tr, clock := newTestTracker(ErrorTrackerConfig{AlertCooldown: time.Minute})
	tr.AddCondition(AlertCondition{
		Category:    ErrorCategoryFlip,
		MinSeverity: SeverityError,
		Threshold:   3,
		Window:      10 * time.Second,
	})

	var mu sync.Mutex
	var counts []int
	fired := make(chan struct{}, 4)
	tr.SetAlertHandler(func(cond AlertCondition, n int, recent []CategorizedError) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
		fired <- struct{}{}
	})
	tr.SetAlertHandler(func(AlertCondition, int, []CategorizedError) { panic("recovered") })

	flipErr := &kms.Error{Op: "flip", Plane: 1, Err: errors.New("x")}
	tr.RecordError(flipErr, SeverityError)
	tr.RecordError(flipErr, SeverityWarning) // below MinSeverity
	tr.RecordError(kms.ErrNoPlane, SeverityError)
	tr.RecordError(flipErr, SeverityError)
	tr.RecordError(flipErr, SeverityError) // third match fires
	tr.RecordError(flipErr, SeverityError) // cooldown

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("alert not fired")
	}

	clock.advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		tr.RecordError(flipErr, SeverityCritical)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("alert not fired after cooldown")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 3 || counts[1] != 3 {
		t.Errorf("alert counts = %v, want [3 3]", counts)
	}
}
