// Command stressrun executes the load-characterization harness and prints
// the JSON report. The run is fully deterministic for a given seed, so a
// report diff means a behavior change, not noise.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/stress"
)

func main() {
	var (
		seed        = flag.Int64("seed", 1337, "deterministic run seed")
		profileName = flag.String("profile", "baseline", "load profile: baseline|peak|stress|burst")
		scale       = flag.Float64("scale", 0.05, "request scale factor applied to the profile target")
		failureRate = flag.Float64("failure-rate", 0.05, "base dependency failure probability")
		fault       = flag.String("fault", "", "optional fault point to arm for every scenario")
		faultTTLSec = flag.Int("fault-ttl", 0, "fault TTL in simulated seconds, 0 = whole scenario")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	profiles := stress.DefaultProfiles()
	profile, ok := profiles[stress.ProfileType(*profileName)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q\n", *profileName)
		os.Exit(2)
	}

	var faults []stress.ArmedFault
	if *fault != "" {
		faults = append(faults, stress.ArmedFault{
			Point: stress.FaultPoint(*fault),
			TTL:   time.Duration(*faultTTLSec) * time.Second,
		})
	}

	scenarios := []stress.Scenario{
		{
			ID:          "s-read-steady",
			Name:        "read_steady",
			Profile:     profile,
			Seed:        *seed,
			Dependency:  "extractor",
			FailureRate: *failureRate,
			Scale:       *scale,
			Faults:      faults,
		},
		{
			ID:          "s-read-flaky",
			Name:        "read_flaky_dependency",
			Profile:     profile,
			Seed:        *seed + 1,
			Dependency:  "tariff_api",
			FailureRate: clamp01(*failureRate * 8),
			Scale:       *scale,
			Faults:      faults,
		},
		{
			ID:          "s-write-path",
			Name:        "write_path",
			Profile:     profile,
			Seed:        *seed + 2,
			Dependency:  "blob_store",
			IsWrite:     true,
			FailureRate: *failureRate,
			Scale:       *scale,
			Faults:      faults,
		},
		{
			ID:          "s-burst-5xx",
			Name:        "sustained_5xx_burst",
			Profile:     profile,
			Seed:        *seed + 3,
			Dependency:  "extractor",
			FailureRate: *failureRate,
			Scale:       *scale,
			Faults: append([]stress.ArmedFault{
				{Point: stress.FaultExternal5xxBurst},
			}, faults...),
		},
		{
			ID:          "s-chaos-schedule",
			Name:        "scheduled_chaos",
			Profile:     profile,
			Seed:        *seed + 4,
			Dependency:  "extractor",
			FailureRate: *failureRate,
			Scale:       *scale,
			Faults:      faults,
			FaultSchedule: stress.GenerateSchedule(*seed+4,
				stress.DefaultScheduleParams(profile.ScaledRequests(*scale))),
		},
	}

	runner := stress.NewRunner(guard.DefaultConfig())
	results := make([]stress.ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		results = append(results, runner.Run(sc))
	}

	report := stress.BuildReport(*seed, time.Now(), results)
	data, err := report.MarshalIndent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))

	if !report.WritePathSafe {
		os.Exit(1)
	}
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
