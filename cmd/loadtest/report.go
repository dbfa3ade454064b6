package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc/codes"
)

const (
	scenarioMetric = "scenario"

	latencyFamily = "loadtest_call_latency_ms"
	callsFamily   = "loadtest_calls_total"
)

// latencyObjectives — квантили и допустимая ошибка оценки.
var latencyObjectives = map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	// PlacedByDepot — сколько заказов маршрутизатор отправил на каждый склад.
	PlacedByDepot map[string]int64 `json:"placed_by_depot"`
	// OutOfStock — отказы InsufficientStock; при исчерпании остатков это ожидаемый исход.
	OutOfStock int64 `json:"out_of_stock"`
}

type extremes struct{ min, max float64 }

// collector считает вызовы в собственном prometheus-реестре: квантили даёт Summary,
// минимум и максимум хранятся отдельно.
type collector struct {
	registry *prometheus.Registry
	latency  *prometheus.SummaryVec
	calls    *prometheus.CounterVec

	mu         sync.Mutex
	bounds     map[string]*extremes
	placed     map[string]int64
	outOfStock int64
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       latencyFamily,
			Help:       "Call latency in milliseconds.",
			Objectives: latencyObjectives,
			MaxAge:     24 * time.Hour,
		}, []string{"method"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: callsFamily,
			Help: "Calls by method and gRPC code.",
		}, []string{"method", "code"}),
		bounds: make(map[string]*extremes),
		placed: make(map[string]int64),
	}
	c.registry.MustRegister(c.latency, c.calls)
	return c
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	ms := float64(latency.Microseconds()) / 1000.0
	c.latency.WithLabelValues(method).Observe(ms)
	c.calls.WithLabelValues(method, code.String()).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bounds[method]
	if !ok {
		c.bounds[method] = &extremes{min: ms, max: ms}
		return
	}
	b.min, b.max = min(b.min, ms), max(b.max, ms)
}

func (c *collector) recordPlacement(depotID string) {
	if depotID == "" {
		depotID = "unknown"
	}
	c.mu.Lock()
	c.placed[depotID]++
	c.mu.Unlock()
}

func (c *collector) recordOutOfStock() {
	c.mu.Lock()
	c.outOfStock++
	c.mu.Unlock()
}

// methods собирает отчёт по методам из реестра.
func (c *collector) methods() map[string]methodReport {
	out := make(map[string]methodReport)
	// оба семейства зарегистрированы этим же collector, Gather не возвращает ошибок
	families, _ := c.registry.Gather()

	for _, family := range families {
		for _, m := range family.GetMetric() {
			method := labelValue(m, "method")
			rep := out[method]
			if rep.Codes == nil {
				rep.Codes = make(map[string]int64)
			}
			switch family.GetName() {
			case callsFamily:
				n := int64(m.GetCounter().GetValue())
				code := labelValue(m, "code")
				rep.Codes[code] += n
				rep.Calls += n
				if code == codes.OK.String() {
					rep.Success += n
				} else {
					rep.Failed += n
				}
			case latencyFamily:
				rep.LatencyMs = c.summarize(method, m.GetSummary())
			}
			out[method] = rep
		}
	}
	for method, rep := range out {
		rep.ErrorRate = ratio(rep.Failed, rep.Calls)
		out[method] = rep
	}
	return out
}

func (c *collector) summarize(method string, s *dto.Summary) latencySummary {
	if s.GetSampleCount() == 0 {
		return latencySummary{}
	}
	summary := latencySummary{Avg: s.GetSampleSum() / float64(s.GetSampleCount())}
	for _, q := range s.GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			summary.P50 = q.GetValue()
		case 0.95:
			summary.P95 = q.GetValue()
		case 0.99:
			summary.P99 = q.GetValue()
		}
	}
	c.mu.Lock()
	if b := c.bounds[method]; b != nil {
		summary.Min, summary.Max = b.min, b.max
	}
	c.mu.Unlock()
	return summary
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	rep, ok := c.methods()[name]
	return rep, ok
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         c.methods(),
	}
	if scenarios, ok := result.Methods[scenarioMetric]; ok {
		result.TotalScenarios = scenarios.Calls
		result.SuccessScenarios = scenarios.Success
		result.FailedScenarios = scenarios.Failed
		result.ErrorRate = scenarios.ErrorRate
		result.ScenarioLatencyMs = scenarios.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	c.mu.Lock()
	result.PlacedByDepot = maps.Clone(c.placed)
	result.OutOfStock = c.outOfStock
	c.mu.Unlock()
	return result
}

func labelValue(m *dto.Metric, name string) string {
	for _, pair := range m.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь к отчёту задаётся явно флагом CLI.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintf(w, "fulfillment load: mode=%s run=%s scenarios=%d ok=%d failed=%d out_of_stock=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg),
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.OutOfStock, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMetric {
			continue
		}
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
	for _, depot := range slices.Sorted(maps.Keys(result.PlacedByDepot)) {
		_, _ = fmt.Fprintf(w, "depot %s: placed=%d\n", depot, result.PlacedByDepot[depot])
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
