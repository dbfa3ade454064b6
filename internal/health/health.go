// Package health собирает пробы хранилищ, брокера и справочника складов
// в ответы /healthz и /readyz.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной пробы.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// failing возвращает имена упавших критичных проб по алфавиту.
func (r Response) failing() []string {
	var names []string
	for _, name := range slices.Sorted(maps.Keys(r.Checks)) {
		if c := r.Checks[name]; c.Critical && c.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	return names
}

// Checker проверяет один компонент: хранилище заказов, сток, брокер, справочник складов.
type Checker interface {
	Check(ctx context.Context) Check
}

// ProbeFunc возвращает статус и пояснение; время выполнения считает Probe.
type ProbeFunc func(ctx context.Context) (Status, string)

type probe struct {
	name string
	fn   ProbeFunc
}

// Probe превращает функцию в Checker с замером длительности.
func Probe(name string, fn ProbeFunc) Checker {
	return probe{name: name, fn: fn}
}

func (p probe) Check(ctx context.Context) Check {
	start := time.Now()
	status, message := p.fn(ctx)
	return Check{
		Name:       p.name,
		Status:     status,
		Message:    message,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Ping — проба по функции подключения: ошибка означает unhealthy.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Probe(name, func(ctx context.Context) (Status, string) {
		if err := ping(ctx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	})
}

type registration struct {
	checker  Checker
	critical bool
}

type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]registration
	version   string
	timeout   time.Duration
	startTime time.Time
}

type Option func(*Handler)

// WithCheckTimeout ограничивает общее время всех проб одного запроса.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		checkers:  make(map[string]registration),
		version:   version,
		timeout:   defaultCheckTimeout,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterChecker регистрирует критичную проверку: её сбой снимает готовность.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.register(name, checker, true)
}

// RegisterOptional регистрирует проверку, сбой которой только деградирует статус.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(name, checker, false)
}

func (h *Handler) register(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = registration{checker: checker, critical: critical}
}

// Evaluate выполняет все проверки параллельно с общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	regs := maps.Clone(h.checkers)
	timeout := h.timeout
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]Check, len(regs))
	var g errgroup.Group
	for name, reg := range regs {
		g.Go(func() error {
			check := reg.checker.Check(ctx)
			check.Critical = reg.critical
			if check.Name == "" {
				check.Name = name
			}
			mu.Lock()
			checks[name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, check := range checks {
		switch {
		case check.Status == StatusUnhealthy && check.Critical:
			overall = StatusUnhealthy
		case check.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

// ServeHTTP отдаёт полный отчёт; 503 только при упавшей критичной пробе.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503 со списком упавших критичных проб.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if failing := h.Evaluate(r.Context()).failing(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ",")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
