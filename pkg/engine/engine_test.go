package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"droidpilot/pkg/devlock"
	"droidpilot/pkg/errs"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"
)

type fixedState types.ConnectionState

func (s fixedState) State(string) types.ConnectionState { return types.ConnectionState(s) }

const deviceID = "emulator-5554"

func newTestEngine(t *testing.T, state types.ConnectionState) (*Engine, *transport.Fake) {
	t.Helper()
	evaluator, err := verify.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	fake := transport.NewFake()
	fake.AddDevice(deviceID, &transport.FakeDevice{Model: "Pixel 7"})
	config := DefaultConfig()
	config.CallTimeout = time.Second
	return New(fake, devlock.New(), fixedState(state), evaluator, config), fake
}

func profile() types.DeviceProfile {
	return types.DeviceProfile{ID: deviceID, Manufacturer: "Google", APILevel: 34, Class: types.ClassPhone}
}

func chainOf(category string, commands ...string) types.FallbackChain {
	chain := types.FallbackChain{Action: "test_action", Category: category, DeviceID: deviceID}
	for i, cmd := range commands {
		chain.Candidates = append(chain.Candidates, types.CommandCandidate{
			ID: fmt.Sprintf("c%d", i), Kind: types.KindShell, Command: cmd, Rank: i,
		})
	}
	return chain
}

func TestExecuteStopsAtFirstAccepted(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	fake.SetResponse(deviceID, "first", transport.ShellResult{ExitCode: 1})
	fake.SetResponse(deviceID, "second", transport.ShellResult{Stdout: "ok"})

	result, err := e.Execute(context.Background(), profile(), chainOf("audio", "first", "second", "third"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != types.StatusAmbiguous {
		t.Errorf("status = %s, want ambiguous", result.Status)
	}
	if result.CandidateIndex != 1 || result.CandidateID != "c1" {
		t.Errorf("candidate = %d/%s, want 1/c1", result.CandidateIndex, result.CandidateID)
	}
	got := fake.ShellCommands(deviceID)
	if strings.Join(got, ",") != "first,second" {
		t.Errorf("commands = %v, want [first second]", got)
	}
	if len(result.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(result.Attempts))
	}
	if result.ID == "" {
		t.Error("result has no id")
	}
}

func TestExecuteAtMostNCommands(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			e, fake := newTestEngine(t, types.StateConnected)
			fake.AddDevice(deviceID, &transport.FakeDevice{
				Shell: func(string) (transport.ShellResult, error) {
					return transport.ShellResult{Stdout: "Error: nope"}, nil
				},
			})
			commands := make([]string, n)
			for i := range commands {
				commands[i] = fmt.Sprintf("cmd%d", i)
			}

			result, err := e.Execute(context.Background(), profile(), chainOf("audio", commands...))
			if !errors.Is(err, errs.ErrExhausted) {
				t.Fatalf("err = %v, want exhausted", err)
			}
			if calls := fake.CallCount("RunShell"); calls > n {
				t.Errorf("RunShell calls = %d, want <= %d", calls, n)
			}
			if got := len(errs.AttemptsOf(err)); got != n {
				t.Errorf("trace has %d attempts, want %d", got, n)
			}
			if result.Status != types.StatusExhausted || result.CandidateIndex != -1 {
				t.Errorf("result = %s/%d", result.Status, result.CandidateIndex)
			}
			for _, a := range result.Attempts {
				if a.Status != types.AttemptFailed || a.Reason == "" {
					t.Errorf("attempt %d = %s %q", a.Index, a.Status, a.Reason)
				}
			}
		})
	}
}

func TestScoreRule(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	fake.SetResponse(deviceID, "bad", transport.ShellResult{ExitCode: 1})
	ctx := context.Background()

	// first-try success at the ceiling stays there
	result, _ := e.Execute(ctx, profile(), chainOf("audio", "good"))
	if result.Score != 100 {
		t.Errorf("score = %v, want 100", result.Score)
	}

	// success at index 2 costs two steps
	result, _ = e.Execute(ctx, profile(), chainOf("audio", "bad", "bad", "good"))
	if result.Score != 80 {
		t.Errorf("score = %v, want 80", result.Score)
	}

	// first-try success recovers a quarter of the gap
	result, _ = e.Execute(ctx, profile(), chainOf("audio", "good"))
	if result.Score != 85 {
		t.Errorf("score = %v, want 85", result.Score)
	}

	// exhausting three candidates costs two steps plus the penalty
	result, _ = e.Execute(ctx, profile(), chainOf("audio", "bad", "bad", "bad"))
	if result.Score != 40 {
		t.Errorf("score = %v, want 40", result.Score)
	}

	// the floor holds
	for i := 0; i < 5; i++ {
		result, _ = e.Execute(ctx, profile(), chainOf("audio", "bad", "bad", "bad"))
	}
	if result.Score != 0 {
		t.Errorf("score = %v, want floor 0", result.Score)
	}

	if other := e.Scores().Get(deviceID, "display"); other != 100 {
		t.Errorf("untouched category = %v, want 100", other)
	}
}

func TestScoreStrictlyDecreasesPerExtraCandidate(t *testing.T) {
	prev := 101.0
	for k := 0; k < 5; k++ {
		e, fake := newTestEngine(t, types.StateConnected)
		fake.SetResponse(deviceID, "bad", transport.ShellResult{ExitCode: 1})
		commands := make([]string, 0, k+1)
		for i := 0; i < k; i++ {
			commands = append(commands, "bad")
		}
		commands = append(commands, "good")

		result, err := e.Execute(context.Background(), profile(), chainOf("apps", commands...))
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if result.Score >= prev {
			t.Errorf("k=%d: score %v not below %v", k, result.Score, prev)
		}
		prev = result.Score
	}
}

func TestRestoreScores(t *testing.T) {
	e, _ := newTestEngine(t, types.StateConnected)
	e.RestoreScores([]ScoreEntry{
		{DeviceID: deviceID, Category: "audio", Score: 42},
		{DeviceID: deviceID, Category: "display", Score: 500},
		{DeviceID: "", Category: "x", Score: 1},
	})
	if got := e.Scores().Get(deviceID, "audio"); got != 42 {
		t.Errorf("audio = %v, want 42", got)
	}
	if got := e.Scores().Get(deviceID, "display"); got != 100 {
		t.Errorf("display = %v, want clamped 100", got)
	}
	if n := len(e.Scores().Snapshot()); n != 2 {
		t.Errorf("snapshot has %d entries, want 2", n)
	}
}

func TestExecuteGateSkipsTransport(t *testing.T) {
	tests := []struct {
		state  types.ConnectionState
		kind   errs.Kind
		status types.ExecutionStatus
	}{
		{types.StateUnauthorized, errs.DeviceUnauthorized, types.StatusUnauthorized},
		{types.StateAbsent, errs.DeviceUnreachable, types.StatusUnreachable},
		{types.StateUnstable, errs.DeviceUnreachable, types.StatusUnreachable},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			e, fake := newTestEngine(t, tt.state)
			result, err := e.Execute(context.Background(), profile(), chainOf("audio", "anything"))
			if !errs.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %s", err, tt.kind)
			}
			if result.Status != tt.status {
				t.Errorf("status = %s, want %s", result.Status, tt.status)
			}
			if n := fake.DeviceCallCount(deviceID); n != 0 {
				t.Errorf("transport saw %d calls", n)
			}
		})
	}
}

func TestExecuteConnectionLostMidChain(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	fake.AddDevice(deviceID, &transport.FakeDevice{
		Shell: func(cmd string) (transport.ShellResult, error) {
			if cmd == "first" {
				return transport.ShellResult{ExitCode: 1}, nil
			}
			return transport.ShellResult{}, fmt.Errorf("%s: %w", deviceID, transport.ErrUnreachable)
		},
	})

	result, err := e.Execute(context.Background(), profile(), chainOf("audio", "first", "second", "third"))
	if !errors.Is(err, errs.ErrDeviceUnreachable) {
		t.Fatalf("err = %v, want unreachable", err)
	}
	if result.Status != types.StatusUnreachable {
		t.Errorf("status = %s", result.Status)
	}
	if got := fake.CallCount("RunShell"); got != 2 {
		t.Errorf("RunShell calls = %d, want 2", got)
	}
	if s := e.Scores().Get(deviceID, "audio"); s != 100 {
		t.Errorf("score changed to %v", s)
	}
}

func TestExecuteCancelledBetweenCandidates(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	ctx, cancel := context.WithCancel(context.Background())
	fake.AddDevice(deviceID, &transport.FakeDevice{
		Shell: func(cmd string) (transport.ShellResult, error) {
			cancel()
			return transport.ShellResult{ExitCode: 1}, nil
		},
	})

	result, err := e.Execute(ctx, profile(), chainOf("audio", "first", "second"))
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if result.Status != types.StatusCancelled {
		t.Errorf("status = %s", result.Status)
	}
	if len(result.Attempts) != 1 {
		t.Errorf("attempts = %d, want the first candidate only", len(result.Attempts))
	}
	if s := e.Scores().Get(deviceID, "audio"); s != 100 {
		t.Errorf("score changed to %v", s)
	}
}

// torch is a stateful device whose toggle command flips a setting
type torch struct {
	mu      sync.Mutex
	enabled bool
	broken  bool
}

func (d *torch) shell(cmd string) (transport.ShellResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch cmd {
	case "toggle":
		if !d.broken {
			d.enabled = !d.enabled
		}
		return transport.ShellResult{}, nil
	case "settings get secure flashlight_enabled":
		if d.enabled {
			return transport.ShellResult{Stdout: "1\n"}, nil
		}
		return transport.ShellResult{Stdout: "0\n"}, nil
	}
	return transport.ShellResult{Stdout: "/system/bin/sh: " + cmd + ": not found", ExitCode: 127}, nil
}

func torchChain() types.FallbackChain {
	chain := chainOf("flashlight", "toggle", "toggle")
	for i := range chain.Candidates {
		chain.Candidates[i].Verify = &types.Verification{
			Command:       "settings get secure flashlight_enabled",
			Expect:        "value != before",
			CaptureBefore: true,
		}
	}
	return chain
}

func TestExecuteVerifiedToggle(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	dev := &torch{}
	fake.AddDevice(deviceID, &transport.FakeDevice{Shell: dev.shell})

	result, err := e.Execute(context.Background(), profile(), torchChain())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != types.StatusSucceeded || result.CandidateIndex != 0 {
		t.Errorf("result = %s/%d, want succeeded/0", result.Status, result.CandidateIndex)
	}
	if !dev.enabled {
		t.Error("torch should be on")
	}
	// read-back, command, read-back
	if got := fake.CallCount("RunShell"); got != 3 {
		t.Errorf("RunShell calls = %d, want 3", got)
	}
}

func TestExecuteVerificationFailureFallsBack(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	dev := &torch{broken: true}
	fake.AddDevice(deviceID, &transport.FakeDevice{Shell: dev.shell})

	_, err := e.Execute(context.Background(), profile(), torchChain())
	if !errs.Is(err, errs.Exhausted) {
		t.Fatalf("err = %v, want exhausted", err)
	}
	attempts := errs.AttemptsOf(err)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if !strings.Contains(attempts[0].Reason, "verification failed") {
		t.Errorf("reason = %q", attempts[0].Reason)
	}
}

func TestErrorMarker(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"Starting: Intent { act=android.intent.action.VIEW }", ""},
		{"Error: Activity not started, unable to resolve Intent", "Error:"},
		{"** No activities found to run, monkey aborted.", "No activities found"},
		{"java.lang.SecurityException: Permission Denial", "Exception"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := errorMarker(tt.output); got != tt.want {
			t.Errorf("errorMarker(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

// stallingTransport blocks on "slow" until the call context expires
type stallingTransport struct {
	*transport.Fake
}

func (s stallingTransport) RunShell(ctx context.Context, deviceID, command string) (transport.ShellResult, error) {
	if command == "slow" {
		<-ctx.Done()
		return transport.ShellResult{}, fmt.Errorf("%w: %v", transport.ErrTimeout, ctx.Err())
	}
	return s.Fake.RunShell(ctx, deviceID, command)
}

func TestExecuteCallTimeoutFallsBack(t *testing.T) {
	evaluator, err := verify.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	fake := transport.NewFake()
	fake.AddDevice(deviceID, &transport.FakeDevice{Model: "Pixel 7"})
	config := DefaultConfig()
	config.CallTimeout = 20 * time.Millisecond
	e := New(stallingTransport{fake}, devlock.New(), fixedState(types.StateConnected), evaluator, config)

	result, err := e.Execute(context.Background(), profile(), chainOf("audio", "slow", "fast"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("attempts = %+v, want 2", result.Attempts)
	}
	if a := result.Attempts[0]; a.Status != types.AttemptFailed || !strings.Contains(a.Reason, "timed out") {
		t.Errorf("attempt 0 = %s %q, want failed by timeout", a.Status, a.Reason)
	}
	if result.CandidateIndex != 1 || result.Status != types.StatusAmbiguous {
		t.Errorf("result = %d/%s, want 1/ambiguous", result.CandidateIndex, result.Status)
	}
	if got := fake.ShellCommands(deviceID); strings.Join(got, ",") != "fast" {
		t.Errorf("commands reaching the device = %v", got)
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	e, fake := newTestEngine(t, types.StateConnected)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		result, err := e.Execute(ctx, profile(), chainOf("audio", "first"))
		if !errors.Is(err, errs.ErrCancelled) || result.Status != types.StatusCancelled {
			t.Fatalf("run %d: %s, %v, want cancelled", i, result.Status, err)
		}
	}
	if n := fake.CallCount("RunShell"); n != 0 {
		t.Errorf("RunShell calls = %d, want none", n)
	}
}
