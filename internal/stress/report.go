package stress

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// ReportRow is one scenario's line in the characterization report.
type ReportRow struct {
	ScenarioName             string  `json:"scenario_name"`
	TotalCalls               int     `json:"total_calls"`
	RetryCount               int     `json:"retry_count"`
	RetryAmplificationFactor float64 `json:"retry_amplification_factor"`
	P95LatencyMs             float64 `json:"p95_latency_ms"`
	CBOpened                 bool    `json:"cb_opened"`
	FailopenCount            int     `json:"failopen_count"`
	InvariantOK              bool    `json:"invariant_ok"`
}

// Report is the reproducible run summary. Rows are sorted by scenario
// name and floats are rounded, so byte-identical reports mean identical
// runs.
type Report struct {
	GeneratedAt   string           `json:"generated_at"`
	Seed          int64            `json:"seed"`
	Rows          []ReportRow      `json:"rows"`
	WritePathSafe bool             `json:"write_path_safe"`
	Diagnostics   []FailDiagnostic `json:"diagnostics,omitempty"`
}

// BuildReport folds scenario results into a report.
//
// write_path_safe holds when every write-path scenario completed with zero
// retries; with no write-path scenarios it holds vacuously.
func BuildReport(seed int64, generatedAt time.Time, results []ScenarioResult) Report {
	rows := make([]ReportRow, 0, len(results))
	var diags []FailDiagnostic
	writeSafe := true

	for _, res := range results {
		amplification := 0.0
		if res.TotalCalls > 0 {
			amplification = round3(float64(res.RetryCount) / float64(res.TotalCalls))
		}
		rows = append(rows, ReportRow{
			ScenarioName:             res.ScenarioName,
			TotalCalls:               res.TotalCalls,
			RetryCount:               res.RetryCount,
			RetryAmplificationFactor: amplification,
			P95LatencyMs:             round3(res.P95LatencyMs),
			CBOpened:                 res.CBOpened,
			FailopenCount:            res.FailopenCount,
			InvariantOK:              res.InvariantOK,
		})
		diags = append(diags, res.Diagnostics...)
		if res.IsWrite && res.RetryCount > 0 {
			writeSafe = false
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ScenarioName < rows[j].ScenarioName })

	return Report{
		GeneratedAt:   generatedAt.UTC().Format(time.RFC3339),
		Seed:          seed,
		Rows:          rows,
		WritePathSafe: writeSafe,
		Diagnostics:   diags,
	}
}

// MarshalIndent renders the report as stable, human-diffable JSON.
func (r Report) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
