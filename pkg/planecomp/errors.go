package planecomp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/planecomp/internal/config"
	"github.com/opd-ai/planecomp/internal/drm"
	"github.com/opd-ai/planecomp/internal/kms"
)

// ErrorCategory represents the type of error for categorization purposes.
// Errors are categorized to enable targeted alerting and monitoring.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for uncategorized errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConfig is for configuration parsing and validation errors.
	ErrorCategoryConfig
	// ErrorCategoryDevice is for display controller open and commit errors.
	ErrorCategoryDevice
	// ErrorCategoryAllocation is for plane and buffer allocation errors.
	ErrorCategoryAllocation
	// ErrorCategoryFlip is for page flip errors, including worker failures.
	ErrorCategoryFlip
	// ErrorCategoryResize is for plane reallocation errors.
	ErrorCategoryResize
	// ErrorCategoryRender is for window painting and preview errors.
	ErrorCategoryRender
	// ErrorCategoryIO is for file and I/O errors.
	ErrorCategoryIO

	numCategories
)

// String returns a human-readable name for the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConfig:
		return "config"
	case ErrorCategoryDevice:
		return "device"
	case ErrorCategoryAllocation:
		return "allocation"
	case ErrorCategoryFlip:
		return "flip"
	case ErrorCategoryResize:
		return "resize"
	case ErrorCategoryRender:
		return "render"
	case ErrorCategoryIO:
		return "io"
	default:
		return "unknown"
	}
}

// Categorize picks the category of a compositor error from the sentinels
// and operation it wraps.
func Categorize(err error) ErrorCategory {
	var ce *CategorizedError
	var ke *kms.Error
	var ve config.ValidationError
	switch {
	case err == nil:
		return ErrorCategoryUnknown
	case errors.As(err, &ce):
		return ce.Category
	case errors.Is(err, kms.ErrResize):
		return ErrorCategoryResize
	case errors.Is(err, kms.ErrNoPlane), errors.Is(err, kms.ErrPrimaryPlane):
		return ErrorCategoryAllocation
	case errors.Is(err, kms.ErrDeviceOpen), errors.Is(err, drm.ErrNoDevice),
		errors.Is(err, drm.ErrUnsupported), errors.Is(err, drm.ErrClosed):
		return ErrorCategoryDevice
	case errors.As(err, &ve):
		return ErrorCategoryConfig
	case errors.As(err, &ke):
		switch ke.Op {
		case "flip", "schedule flip":
			return ErrorCategoryFlip
		case "allocate":
			return ErrorCategoryAllocation
		case "resize":
			return ErrorCategoryResize
		}
		return ErrorCategoryDevice
	}
	return ErrorCategoryUnknown
}

// ErrorSeverity indicates the severity level of an error.
type ErrorSeverity int

const (
	// SeverityInfo is for informational messages that don't require action.
	SeverityInfo ErrorSeverity = iota
	// SeverityWarning is for soft failures such as a software fallback.
	SeverityWarning
	// SeverityError is for failures that lose a frame or a window.
	SeverityError
	// SeverityCritical is for failures that stop the compositor.
	SeverityCritical
)

// String returns a human-readable name for the severity level.
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with the metadata used for tracking and
// alerting.
type CategorizedError struct {
	Err       error
	Category  ErrorCategory
	Severity  ErrorSeverity
	Timestamp time.Time
	// Context holds details such as the window or plane involved.
	Context map[string]string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s/%s] (no error)", e.Severity, e.Category)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Severity, e.Category, e.Err.Error())
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorizedError creates a new CategorizedError with the given parameters.
func NewCategorizedError(err error, category ErrorCategory, severity ErrorSeverity) *CategorizedError {
	return &CategorizedError{
		Err:       err,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
	}
}

// WithContext adds a key-value pair to the error context and returns the error.
func (e *CategorizedError) WithContext(key, value string) *CategorizedError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// AlertCondition triggers when Threshold matching errors occur within Window.
type AlertCondition struct {
	// Category filters errors; ErrorCategoryUnknown matches all.
	Category    ErrorCategory
	MinSeverity ErrorSeverity
	Threshold   int
	Window      time.Duration
}

func (c AlertCondition) matches(e *CategorizedError) bool {
	if c.Category != ErrorCategoryUnknown && e.Category != c.Category {
		return false
	}
	return e.Severity >= c.MinSeverity
}

// AlertHandler is called when an alert condition is met, with up to ten of
// the matching errors. Handlers run on their own goroutine.
type AlertHandler func(condition AlertCondition, errorCount int, recentErrors []CategorizedError)

// ErrorTrackerConfig configures an ErrorTracker.
type ErrorTrackerConfig struct {
	// MaxErrors is the maximum number of errors to retain (default: 1000).
	MaxErrors int
	// RetentionTime is how long to retain errors (default: 1 hour).
	RetentionTime time.Duration
	// AlertCooldown is the minimum time between repeated alerts (default: 5 minutes).
	AlertCooldown time.Duration
}

// DefaultErrorTrackerConfig returns a configuration with sensible defaults.
func DefaultErrorTrackerConfig() ErrorTrackerConfig {
	return ErrorTrackerConfig{
		MaxErrors:     1000,
		RetentionTime: time.Hour,
		AlertCooldown: 5 * time.Minute,
	}
}

type alertRule struct {
	cond  AlertCondition
	fired time.Time
}

// ErrorTracker keeps recent compositor errors for rates and alerting. It
// is safe for concurrent use; flip workers record into it directly.
type ErrorTracker struct {
	cfg ErrorTrackerConfig

	mu       sync.Mutex
	errors   []CategorizedError
	rules    []*alertRule
	handlers []AlertHandler

	totals [numCategories]atomic.Int64
	now    func() time.Time
}

// NewErrorTracker creates a new ErrorTracker with the given configuration.
func NewErrorTracker(cfg ErrorTrackerConfig) *ErrorTracker {
	def := DefaultErrorTrackerConfig()
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	if cfg.RetentionTime <= 0 {
		cfg.RetentionTime = def.RetentionTime
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	return &ErrorTracker{cfg: cfg, now: time.Now}
}

// AddCondition registers an alert condition to monitor.
func (t *ErrorTracker) AddCondition(cond AlertCondition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, &alertRule{cond: cond})
}

// SetAlertHandler registers a handler for all alert conditions.
// Multiple handlers can be registered by calling this method multiple times.
func (t *ErrorTracker) SetAlertHandler(handler AlertHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Record adds an error to the tracker and checks alert conditions.
func (t *ErrorTracker) Record(err *CategorizedError) {
	if err == nil {
		return
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = t.now()
	}
	if err.Category >= 0 && err.Category < numCategories {
		t.totals[err.Category].Add(1)
	}

	type alert struct {
		cond    AlertCondition
		count   int
		samples []CategorizedError
	}
	var fire []alert

	t.mu.Lock()
	t.errors = append(t.errors, *err)
	if over := len(t.errors) - t.cfg.MaxErrors; over > 0 {
		t.errors = append(t.errors[:0], t.errors[over:]...)
	}
	now := t.now()
	t.pruneLocked(now)
	for _, r := range t.rules {
		if !r.fired.IsZero() && now.Sub(r.fired) < t.cfg.AlertCooldown {
			continue
		}
		count, samples := t.matchLocked(r.cond, now)
		if r.cond.Threshold > 0 && count >= r.cond.Threshold {
			r.fired = now
			fire = append(fire, alert{r.cond, count, samples})
		}
	}
	handlers := append([]AlertHandler(nil), t.handlers...)
	t.mu.Unlock()

	for _, a := range fire {
		for _, h := range handlers {
			go func(h AlertHandler, a alert) {
				defer func() { _ = recover() }()
				h(a.cond, a.count, a.samples)
			}(h, a)
		}
	}
}

// RecordError categorizes err with Categorize and records it.
func (t *ErrorTracker) RecordError(err error, severity ErrorSeverity) *CategorizedError {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if !errors.As(err, &ce) {
		ce = NewCategorizedError(err, Categorize(err), severity)
	}
	t.Record(ce)
	return ce
}

func (t *ErrorTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.RetentionTime)
	i := 0
	for i < len(t.errors) && !t.errors[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		t.errors = append(t.errors[:0], t.errors[i:]...)
	}
}

func (t *ErrorTracker) matchLocked(cond AlertCondition, now time.Time) (int, []CategorizedError) {
	cutoff := now.Add(-cond.Window)
	count := 0
	var samples []CategorizedError
	for i := len(t.errors) - 1; i >= 0; i-- {
		e := &t.errors[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if !cond.matches(e) {
			continue
		}
		count++
		if len(samples) < 10 {
			samples = append(samples, *e)
		}
	}
	return count, samples
}

// ErrorRate returns errors per second within window.
func (t *ErrorTracker) ErrorRate(window time.Duration) float64 {
	return t.rate(window, func(*CategorizedError) bool { return true })
}

// ErrorRateByCategory returns the error rate of one category.
func (t *ErrorTracker) ErrorRateByCategory(category ErrorCategory, window time.Duration) float64 {
	return t.rate(window, func(e *CategorizedError) bool { return e.Category == category })
}

func (t *ErrorTracker) rate(window time.Duration, match func(*CategorizedError) bool) float64 {
	if window <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	cutoff := t.now().Add(-window)
	for i := range t.errors {
		if e := &t.errors[i]; !e.Timestamp.Before(cutoff) && match(e) {
			count++
		}
	}
	return float64(count) / window.Seconds()
}

// ErrorStats provides a summary of error statistics.
type ErrorStats struct {
	// TotalErrors is the number of errors currently retained.
	TotalErrors int
	// ErrorsByCategory counts retained errors by category.
	ErrorsByCategory map[ErrorCategory]int
	// ErrorsBySeverity counts retained errors by severity.
	ErrorsBySeverity map[ErrorSeverity]int
	// TotalByCategory holds lifetime totals, including pruned errors.
	TotalByCategory map[ErrorCategory]int64
}

// Stats returns a snapshot of error statistics.
func (t *ErrorTracker) Stats() ErrorStats {
	stats := ErrorStats{
		ErrorsByCategory: make(map[ErrorCategory]int),
		ErrorsBySeverity: make(map[ErrorSeverity]int),
		TotalByCategory:  make(map[ErrorCategory]int64),
	}
	for c := ErrorCategory(0); c < numCategories; c++ {
		if n := t.totals[c].Load(); n > 0 {
			stats.TotalByCategory[c] = n
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	stats.TotalErrors = len(t.errors)
	for _, e := range t.errors {
		stats.ErrorsByCategory[e.Category]++
		stats.ErrorsBySeverity[e.Severity]++
	}
	return stats
}

// RecentErrors returns up to limit of the newest errors, oldest first.
func (t *ErrorTracker) RecentErrors(limit int) []CategorizedError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || len(t.errors) == 0 {
		return nil
	}
	start := max(len(t.errors)-limit, 0)
	return append([]CategorizedError(nil), t.errors[start:]...)
}

// Clear removes all tracked errors and resets alert cooldowns.
func (t *ErrorTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = nil
	for _, r := range t.rules {
		r.fired = time.Time{}
	}
}

var (
	defaultErrorTracker     *ErrorTracker
	defaultErrorTrackerOnce sync.Once
)

// DefaultErrorTracker returns the global default ErrorTracker instance.
func DefaultErrorTracker() *ErrorTracker {
	defaultErrorTrackerOnce.Do(func() {
		defaultErrorTracker = NewErrorTracker(DefaultErrorTrackerConfig())
	})
	return defaultErrorTracker
}
