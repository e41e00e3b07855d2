package guard

import (
	"log/slog"

	"github.com/faturaops/backend/internal/ports"
)

// Killswitch denies requests before any downstream work: a global import
// flag plus a per-tenant blocklist.
//
// Fail-open is deliberate: if the killswitch itself malfunctions, the
// request proceeds and a metric records the fallback. Unavailability of the
// guard must not silently black-hole traffic.
type Killswitch struct {
	globalDisabled  bool
	disabledTenants map[string]struct{}
	metrics         ports.MetricsSink
	logger          *slog.Logger

	// hook lets the fault injector simulate an internal guard error.
	hook FaultHook
}

// FaultHook fires an injected fault for a named point. A nil hook or a nil
// return means no fault. Implemented by the stress harness injector.
type FaultHook interface {
	Fire(point string) error
}

// FaultPointGuardInternal is the injection point for guard-internal errors.
const FaultPointGuardInternal = "GUARD_INTERNAL_ERROR"

func NewKillswitch(cfg Config, metrics ports.MetricsSink, hook FaultHook) *Killswitch {
	tenants := make(map[string]struct{}, len(cfg.KillswitchDisabledTenants))
	for _, t := range cfg.KillswitchDisabledTenants {
		tenants[t] = struct{}{}
	}
	return &Killswitch{
		globalDisabled:  cfg.KillswitchGlobalImportDisabled,
		disabledTenants: tenants,
		metrics:         metrics,
		logger:          slog.Default().With("component", "killswitch"),
		hook:            hook,
	}
}

// Allow reports whether the tenant may proceed. An unexpected internal
// error records killswitch_error and fails open.
func (k *Killswitch) Allow(tenantID string) bool {
	if k.hook != nil {
		if err := k.hook.Fire(FaultPointGuardInternal); err != nil {
			k.metrics.Inc("killswitch_error", nil)
			k.metrics.Inc("killswitch_fallback_open_total", nil)
			k.logger.Warn("killswitch internal error, failing open", "error", err)
			return true
		}
	}

	if k.globalDisabled {
		return false
	}
	if _, blocked := k.disabledTenants[tenantID]; blocked {
		return false
	}
	return true
}
