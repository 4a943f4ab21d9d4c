package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("API error (status 429): rate limited"), true},
		{errors.New("Too Many Requests"), true},
		{errors.New("502 Bad Gateway"), true},
		{errors.New("service unavailable"), true},
		{errors.New("overloaded_error: Overloaded"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("API error (status 401): invalid key"), false},
		{errors.New("no messages provided"), false},
	}

	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCalculateBackoffHonorsRetryAfter(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}}

	got := r.calculateBackoff(1, errors.New("429: retry-after: 7"))
	if got != 7*time.Second {
		t.Errorf("backoff = %v, want 7s", got)
	}

	// Retry-After beyond the cap is clamped.
	got = r.calculateBackoff(1, errors.New("429: Retry-After: 120"))
	if got != 30*time.Second {
		t.Errorf("capped backoff = %v, want 30s", got)
	}
}

func TestCalculateBackoffExponentialWithCap(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  10 * time.Second,
	}}

	// Jitter is +/- 25%, so attempt 1 lands in [0.75s, 1.25s].
	got := r.calculateBackoff(1, errors.New("429"))
	if got < 750*time.Millisecond || got > 1250*time.Millisecond {
		t.Errorf("attempt 1 backoff = %v, want within 25%% of 1s", got)
	}

	// Attempt 5 would be 16s before jitter; the cap wins.
	got = r.calculateBackoff(5, errors.New("429"))
	if got > 10*time.Second {
		t.Errorf("attempt 5 backoff = %v, want <= 10s", got)
	}
}

func TestRetryProviderRetriesThenSucceeds(t *testing.T) {
	provider := &fakeProvider{
		script: func(call int, req Request) []Event {
			if call == 0 {
				return []Event{
					{Type: EventError, Err: errors.New("API error (status 429): slow down")},
				}
			}
			return []Event{
				{Type: EventTextDelta, Text: "recovered"},
				{Type: EventDone},
			}
		},
	}

	retry := WrapWithRetry(provider, RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	stream, err := retry.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	var retries int
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Text)
		case EventRetry:
			retries++
			if event.RetryAttempt != 1 || event.RetryMaxAttempts != 3 {
				t.Errorf("retry event = %+v", event)
			}
		}
	}

	if text.String() != "recovered" {
		t.Errorf("text = %q", text.String())
	}
	if retries != 1 {
		t.Errorf("retry events = %d, want 1", retries)
	}
	if len(provider.calls) != 2 {
		t.Errorf("provider calls = %d, want 2", len(provider.calls))
	}
}

func TestRetryProviderGivesUpAfterMaxAttempts(t *testing.T) {
	provider := &fakeProvider{
		script: func(call int, req Request) []Event {
			return []Event{
				{Type: EventError, Err: errors.New("503 service unavailable")},
			}
		},
	}

	retry := WrapWithRetry(provider, RetryConfig{
		MaxAttempts: 2,
		BaseBackoff: 1 * time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})

	stream, err := retry.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var gotErr error
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			gotErr = err
			break
		}
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "503") {
		t.Fatalf("got error %v, want 503", gotErr)
	}
	if len(provider.calls) != 2 {
		t.Errorf("provider calls = %d, want 2", len(provider.calls))
	}
}

func TestRetryProviderDoesNotRetryPermanentErrors(t *testing.T) {
	provider := &fakeProvider{
		script: func(call int, req Request) []Event {
			return []Event{
				{Type: EventError, Err: errors.New("API error (status 401): invalid key")},
			}
		},
	}

	retry := WrapWithRetry(provider, DefaultRetryConfig())
	stream, err := retry.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	if len(provider.calls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(provider.calls))
	}
}
