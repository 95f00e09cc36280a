package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateQueue()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := map[string]bool{"development": true, "staging": true, "production": true}
	if !validEnvs[c.App.Environment] {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be development, staging or production", c.App.Environment),
		})
	}

	return errors
}

func (c *Config) validateEngine() ValidationErrors {
	var errors ValidationErrors

	if c.Engine.CycleIntervalMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.cycle_interval_ms",
			Message: "Cycle interval must be positive",
		})
	}

	if c.Engine.CycleWorkers <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.cycle_workers",
			Message: "Cycle worker count must be positive",
		})
	}

	if c.Engine.MinPriceChangePct < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.min_price_change_pct",
			Message: "Minimum price change must be non-negative",
		})
	}

	seen := map[string]bool{}
	for i, sym := range c.Engine.Symbols {
		if sym.Symbol == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("engine.symbols[%d].symbol", i),
				Message: "Symbol must not be empty",
			})
			continue
		}
		if sym.AssetClass != "equity" && sym.AssetClass != "crypto" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("engine.symbols[%d].asset_class", i),
				Message: fmt.Sprintf("Invalid asset class '%s'. Must be equity or crypto", sym.AssetClass),
			})
		}
		if seen[sym.Symbol] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("engine.symbols[%d].symbol", i),
				Message: fmt.Sprintf("Duplicate symbol '%s'", sym.Symbol),
			})
		}
		seen[sym.Symbol] = true
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if c.Trading.ProfitTargetPct <= 0 || c.Trading.ProfitTargetPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "trading.profit_target_pct",
			Message: "Profit target must be between 0 and 1 (fraction of entry price)",
		})
	}

	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "trading.stop_loss_pct",
			Message: "Stop loss must be between 0 and 1 (fraction of entry price)",
		})
	}

	if c.Trading.AutoExecute && !c.Trading.PaperMode {
		broker, ok := c.Brokers[c.Trading.Broker]
		if !ok {
			errors = append(errors, ValidationError{
				Field:   "trading.broker",
				Message: fmt.Sprintf("Broker '%s' is not configured", c.Trading.Broker),
			})
		} else if broker.APIKey == "" || broker.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("brokers.%s", c.Trading.Broker),
				Message: "Live trading requires broker API credentials",
			})
		}
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.PositionSizePct <= 0 || c.Risk.PositionSizePct > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.position_size_pct",
			Message: "Position size must be between 0 and 1",
		})
	}

	if c.Risk.MaxPositionSizePct < c.Risk.PositionSizePct {
		errors = append(errors, ValidationError{
			Field:   "risk.max_position_size_pct",
			Message: "Max position size must be at least the base position size",
		})
	}

	if c.Risk.MarginBufferPct < 0 || c.Risk.MarginBufferPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.margin_buffer_pct",
			Message: "Margin buffer must be in [0, 1)",
		})
	}

	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_drawdown_pct",
			Message: "Max drawdown must be between 0 and 1",
		})
	}

	if c.Risk.DailyLossLimitPct <= 0 || c.Risk.DailyLossLimitPct > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.daily_loss_limit_pct",
			Message: "Daily loss limit must be between 0 and 1",
		})
	}

	if c.Risk.MaxCorrelatedPositions <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_correlated_positions",
			Message: "Max correlated positions must be positive",
		})
	}

	return errors
}

func (c *Config) validateProviders() ValidationErrors {
	var errors ValidationErrors

	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Weight < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.weight", name),
				Message: "Provider weight must be non-negative",
			})
		}
		if p.RatePerSec <= 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.rate_per_sec", name),
				Message: "Provider rate limit must be positive",
			})
		}
		if p.TimeoutMS <= 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.timeout_ms", name),
				Message: "Provider timeout must be positive",
			})
		}
	}

	return errors
}

func (c *Config) validateQueue() ValidationErrors {
	var errors ValidationErrors

	if c.Queue.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_attempts",
			Message: "Queue max attempts must be positive",
		})
	}

	if c.Queue.MaxAgeMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_age_ms",
			Message: "Queue max age must be positive",
		})
	}

	if c.Queue.BackoffBaseMS <= 0 || c.Queue.BackoffMaxMS < c.Queue.BackoffBaseMS {
		errors = append(errors, ValidationError{
			Field:   "queue.backoff_base_ms",
			Message: "Queue backoff base must be positive and no greater than backoff max",
		})
	}

	if c.Queue.MaxPriceDriftPct < 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_price_drift_pct",
			Message: "Max price drift must be non-negative",
		})
	}

	return errors
}
