package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

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
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// stockCheck - сверка остатков после прогона.
type stockCheck struct {
	ProductID      int64    `json:"product_id"`
	InitialStock   int64    `json:"initial_stock"`
	FinalStock     int64    `json:"final_stock"`
	ConfirmedUnits int64    `json:"confirmed_units"`
	ExpectedStock  int64    `json:"expected_stock"`
	Violations     []string `json:"violations,omitempty"`
}

type report struct {
	StartedAt       time.Time               `json:"started_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Orders          int64                   `json:"orders"`
	Confirmed       int64                   `json:"confirmed"`
	Rejected        int64                   `json:"rejected"`
	Errors          int64                   `json:"errors"`
	RPS             float64                 `json:"rps"`
	Methods         map[string]methodReport `json:"methods"`
	Stock           []stockCheck            `json:"stock"`
}

// Violations собирает нарушения по всем товарам.
func (r report) Violations() []string {
	var all []string
	for _, check := range r.Stock {
		all = append(all, check.Violations...)
	}
	return all
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

// record учитывает вызов; outcome - "OK" или причина ошибки (INSUFFICIENT_STOCK, Unavailable, ...).
func (c *collector) record(method string, latency time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{outcomes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if outcome == outcomeOK {
		stats.success++
	} else {
		stats.failed++
	}
	stats.outcomes[outcome]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) methodReports() map[string]methodReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]methodReport, len(c.methods))
	for name, stats := range c.methods {
		outcomes := make(map[string]int64, len(stats.outcomes))
		for outcome, count := range stats.outcomes {
			outcomes[outcome] = count
		}
		result[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Outcomes:  outcomes,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	return result
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report) {
	_, _ = fmt.Fprintln(w, "Stock contention summary")
	_, _ = fmt.Fprintf(w, "orders=%d confirmed=%d rejected=%d errors=%d\n",
		result.Orders, result.Confirmed, result.Rejected, result.Errors)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d p50=%.2fms p95=%.2fms p99=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed,
			stats.LatencyMs.P50, stats.LatencyMs.P95, stats.LatencyMs.P99)
	}

	for _, check := range result.Stock {
		_, _ = fmt.Fprintf(w, "product %d: initial=%d confirmed_units=%d final=%d expected=%d\n",
			check.ProductID, check.InitialStock, check.ConfirmedUnits, check.FinalStock, check.ExpectedStock)
		for _, violation := range check.Violations {
			_, _ = fmt.Fprintf(w, "  VIOLATION: %s\n", violation)
		}
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует линейно между соседними рангами.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
