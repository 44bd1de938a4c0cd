package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPrimaryDefaults(t *testing.T) {
	config := PrimaryDefaults()
	if config.MaxAttempts != 10 {
		t.Errorf("Expected MaxAttempts=10, got %d", config.MaxAttempts)
	}
	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay=100ms, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", config.MaxDelay)
	}
}

func TestSecondaryDefaults(t *testing.T) {
	config := SecondaryDefaults()
	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", config.MaxAttempts)
	}
	if config.MaxDelay != time.Second {
		t.Errorf("Expected MaxDelay=1s, got %v", config.MaxDelay)
	}
}

func TestEtcdDefaults(t *testing.T) {
	config := EtcdDefaults()
	if config.MaxAttempts != 15 {
		t.Errorf("Expected MaxAttempts=15, got %d", config.MaxAttempts)
	}
	if config.JitterPercent != 15 {
		t.Errorf("Expected JitterPercent=15, got %d", config.JitterPercent)
	}
}

func fastConfig() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}
}

func TestWithOperation_Success(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(), func() error {
		callCount++
		return nil
	}, "test-operation")

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected operation to be called once, got %d", callCount)
	}
}

func TestWithOperation_EventualSuccess(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, "test-operation")

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestWithOperation_ExceedsMaxAttempts(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(), func() error {
		callCount++
		return errors.New("persistent failure")
	}, "test-operation")

	if err == nil {
		t.Error("Expected an error, got nil")
	}
	// go-retry does MaxAttempts + 1 total attempts (initial + retries)
	if callCount != 4 {
		t.Errorf("Expected operation to be called 4 times (initial + 3 retries), got %d", callCount)
	}
}

func TestWithOperationIf_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("duplicate key")
	callCount := 0
	err := WithOperationIf(context.Background(), fastConfig(), func() error {
		callCount++
		return permanent
	}, "test-operation", func(err error) bool { return !errors.Is(err, permanent) })

	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected a single attempt, got %d", callCount)
	}
}

func TestWithOperation_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	config := fastConfig()
	config.BaseDelay = time.Second
	err := WithOperation(ctx, config, func() error { return errors.New("down") }, "test-operation")
	if err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}

func TestCreateBackoff(t *testing.T) {
	config := &Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}

	backoff := config.CreateBackoff()
	if backoff == nil {
		t.Error("Expected backoff to be created, got nil")
	}
}
