package monitor

import (
	"github.com/Guliveer/vitalis/monitor/internal/config"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/circuitbreaker"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/consistency"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/resource"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/retry"
	"github.com/Guliveer/vitalis/monitor/internal/scheduler"
)

func schedulerConfig(c config.CollectionConfig) scheduler.Config {
	return scheduler.Config{
		DefaultInterval: c.Interval.Duration,
		MinInterval:     c.MinInterval.Duration,
		BatchInterval:   c.BatchInterval.Duration,
		CollectTimeout:  c.CollectTimeout.Duration,
		MaxBatchSize:    c.MaxBatchSize,
	}
}

func breakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout.Duration,
		ResetTimeout:     c.ResetTimeout.Duration,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

func retryConfig(c config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:  c.MaxAttempts,
		Strategy:     retry.ParseStrategy(c.Strategy),
		InitialDelay: c.InitialDelay.Duration,
		MaxDelay:     c.MaxDelay.Duration,
		Multiplier:   c.Multiplier,
	}
}

func rateLimitConfig(c config.RateLimitConfig) resource.RateLimitConfig {
	return resource.RateLimitConfig{
		Algorithm: resource.Algorithm(c.Algorithm),
		PerSecond: c.PerSecond,
		Burst:     c.Burst,
	}
}

func quotaConfig(c config.MemoryQuotaConfig) resource.QuotaConfig {
	q := resource.DefaultQuotaConfig(uint64(c.MaxMB) << 20)
	q.Strategy = resource.ParseStrategy(c.Strategy)
	return q
}

func throttleConfig(c config.CPUThrottleConfig) resource.ThrottleConfig {
	return resource.ThrottleConfig{
		MaxUsage:         c.MaxUsage,
		WarningThreshold: c.WarningThreshold,
		Strategy:         resource.ParseStrategy(c.Strategy),
		CheckInterval:    c.CheckInterval.Duration,
		MaxDelay:         c.MaxDelay.Duration,
	}
}

func validationConfig(c config.ValidationConfig) consistency.ValidationConfig {
	return consistency.ValidationConfig{
		Interval:            c.Interval.Duration,
		MaxFailures:         c.MaxFailures,
		CorruptionThreshold: c.CorruptionThreshold,
		AutoRepair:          c.AutoRepair,
	}
}
