package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyResponse is returned when an adapter reports neither a
// response nor an error.
var ErrEmptyResponse = errors.New("adapter returned no response")

// RetryPolicy bounds retries of transient adapter failures.
type RetryPolicy struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// CallReport summarizes one Call for logging and evidence.
type CallReport struct {
	Adapter string `json:"adapter"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

// Call invokes a.Generate, retrying transient errors with exponential
// backoff. Non-transient errors return immediately.
func Call(ctx context.Context, a Adapter, model, prompt string, policy RetryPolicy) (*Response, CallReport, error) {
	report := CallReport{Adapter: a.Name(), Model: model}
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		report.Retries = attempt
		resp, err := a.Generate(ctx, model, prompt)
		if err == nil && resp == nil {
			err = fmt.Errorf("%s: %w", a.Name(), ErrEmptyResponse)
		}
		if err == nil {
			if resp.Usage != nil {
				report.Usage = normalizeUsage(*resp.Usage)
			}
			return resp, report, nil
		}

		lastErr = err
		if !IsTransient(err) || attempt == policy.MaxRetries {
			break
		}
		if err := sleepWithContext(ctx, computeBackoff(policy.BaseBackoff, policy.MaxBackoff, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("adapter call failed")
	}
	report.Error = lastErr.Error()
	return nil, report, lastErr
}

func normalizeUsage(u Usage) Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
