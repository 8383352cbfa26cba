package retry

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func getTestCommand() (success []string, failure []string) {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/c", "echo", "test"}, []string{"cmd", "/c", "exit", "1"}
	}
	return []string{"echo", "test"}, []string{"false"}
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	calls := 0
	err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	runner := NewRunner(Config{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond})

	var attempts []int
	err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("position unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got: %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("unexpected attempt sequence %v", attempts)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	runner := NewRunner(Config{MaxAttempts: 3, InitialDelay: time.Second, Backoff: Linear})
	denied := errors.New("permission denied")

	calls := 0
	start := time.Now()
	err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(denied)
	})

	if !errors.Is(err, denied) {
		t.Fatalf("expected permission error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("permanent error should not wait for backoff")
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	runner := NewRunner(Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Backoff: Linear})
	timeout := errors.New("timeout")

	start := time.Now()
	err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return timeout
	})
	elapsed := time.Since(start)

	if !errors.Is(err, timeout) {
		t.Fatalf("expected wrapped timeout, got: %v", err)
	}
	// linear: 10ms then 20ms
	if elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms of backoff, got %v", elapsed)
	}
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		n      int
		want   time.Duration
	}{
		{"linear first", Config{InitialDelay: 1500 * time.Millisecond, MaxDelay: 10 * time.Second, Backoff: Linear}, 1, 1500 * time.Millisecond},
		{"linear second", Config{InitialDelay: 1500 * time.Millisecond, MaxDelay: 10 * time.Second, Backoff: Linear}, 2, 3 * time.Second},
		{"exponential third", Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}, 3, 400 * time.Millisecond},
		{"capped", Config{InitialDelay: time.Second, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewRunner(tt.config).calculateDelay(tt.n); got != tt.want {
				t.Errorf("calculateDelay(%d) = %v; want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestRunnerOutputSuccess(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	success, _ := getTestCommand()
	output, err := runner.Output(context.Background(), success[0], success[1:]...)
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}

	if got := strings.TrimSpace(string(output)); got != "test" {
		t.Errorf("expected %q, got %q", "test", got)
	}
}

func TestRunnerContextCancellation(t *testing.T) {
	runner := NewRunner(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, failure := getTestCommand()
	_, err := runner.Output(ctx, failure[0], failure[1:]...)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("took too long: %v", elapsed)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", config.MaxAttempts)
	}
	if config.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", config.InitialDelay)
	}
}
