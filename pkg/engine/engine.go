// Package engine runs fallback chains against a device and owns the
// compatibility scores.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"droidpilot/pkg/devlock"
	"droidpilot/pkg/errs"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/transport"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"
)

// errorMarkers in command output mean the command failed even with exit code 0.
// am, pm, cmd and monkey all report errors this way.
var errorMarkers = []string{
	"Error:",
	"Exception",
	"Failure",
	"Unknown command",
	"No activities found",
	"monkey aborted",
	"Permission Denial",
}

const maxOutput = 2048

// StateReader is the read side of the health monitor
type StateReader interface {
	State(deviceID string) types.ConnectionState
}

// Evaluator checks verification expectations
type Evaluator interface {
	Eval(expression string, in verify.Input) (bool, error)
}

// Config tunes execution
type Config struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"callTimeout"`
	Scoring     ScoreConfig   `yaml:"scoring" json:"scoring"`
}

// DefaultConfig returns a 10s per-call bound and the default score rule
func DefaultConfig() Config {
	return Config{CallTimeout: 10 * time.Second, Scoring: DefaultScoreConfig()}
}

// Engine executes fallback chains
type Engine struct {
	transport transport.Transport
	locks     *devlock.Locker
	states    StateReader
	evaluator Evaluator
	config    Config
	scores    *ScoreBook
}

// New wires an engine
func New(t transport.Transport, locks *devlock.Locker, states StateReader, evaluator Evaluator, config Config) *Engine {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Engine{
		transport: t,
		locks:     locks,
		states:    states,
		evaluator: evaluator,
		config:    config,
		scores:    newScoreBook(config.Scoring),
	}
}

// Scores exposes the score book for reading
func (e *Engine) Scores() *ScoreBook { return e.scores }

// RestoreScores seeds the score book from a snapshot
func (e *Engine) RestoreScores(entries []ScoreEntry) { e.scores.restore(entries) }

// Execute runs chain on the device described by p and stops at the first
// accepted candidate. The returned result is always populated; the error is
// non-nil for every status other than succeeded and ambiguous.
func (e *Engine) Execute(ctx context.Context, p types.DeviceProfile, chain types.FallbackChain) (types.ExecutionResult, error) {
	deviceID := p.ID
	result := types.ExecutionResult{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		Action:         chain.Action,
		Category:       chain.Category,
		CandidateIndex: -1,
		Attempts:       []types.Attempt{},
		StartedAt:      time.Now(),
	}
	finish := func(status types.ExecutionStatus, err error) (types.ExecutionResult, error) {
		result.Status = status
		result.Elapsed = time.Since(result.StartedAt)
		result.Score = e.scores.Get(deviceID, chain.Category)
		var pe *errs.Error
		if errors.As(err, &pe) {
			pe.Action = chain.Action
			if pe.DeviceID == "" {
				pe.DeviceID = deviceID
			}
		}
		return result, err
	}

	release, err := e.locks.Lock(ctx, deviceID)
	if err != nil {
		return finish(types.StatusCancelled, errs.Wrap(errs.Cancelled, deviceID, err))
	}
	defer release()

	if err := e.gate(deviceID); err != nil {
		return finish(statusFor(err), err)
	}

	timer := logger.StartOperation("engine", "execute").
		AddDetail("deviceId", deviceID).
		AddDetail("action", chain.Action).
		AddDetail("candidates", chain.Len())

	for i, c := range chain.Candidates {
		if i > 0 && ctx.Err() != nil {
			timer.EndWithError(ctx.Err())
			return finish(types.StatusCancelled, errs.Wrap(errs.Cancelled, deviceID, ctx.Err()))
		}

		attempt, err := e.try(ctx, deviceID, i, c)
		if err != nil {
			// connection lost mid-chain
			timer.EndWithError(err)
			return finish(statusFor(err), err)
		}
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Status == types.AttemptFailed {
			logger.Debug("engine").
				Str("deviceId", deviceID).
				Str("candidate", c.ID).
				Str("reason", attempt.Reason).
				Msg("Candidate failed, falling back")
			continue
		}

		result.CandidateIndex = i
		result.CandidateID = c.ID
		result.Output = attempt.Output
		e.scores.succeeded(deviceID, chain.Category, i)
		status := types.StatusSucceeded
		if attempt.Status == types.AttemptAmbiguous {
			status = types.StatusAmbiguous
		}
		timer.AddDetail("candidate", c.ID).AddDetail("status", string(status)).End()
		logger.Info("engine").
			Str("deviceId", deviceID).
			Str("action", chain.Action).
			Str("candidate", c.ID).
			Int("index", i).
			Str("status", string(status)).
			Msg("Action completed")
		return finish(status, nil)
	}

	e.scores.exhausted(deviceID, chain.Category, chain.Len())
	err = &errs.Error{
		Kind:     errs.Exhausted,
		DeviceID: deviceID,
		Detail:   "no candidate succeeded",
		Attempts: append([]types.Attempt(nil), result.Attempts...),
	}
	timer.EndWithError(err)
	logger.Warn("engine").
		Str("deviceId", deviceID).
		Str("action", chain.Action).
		Int("attempts", len(result.Attempts)).
		Msg("Fallback chain exhausted")
	return finish(types.StatusExhausted, err)
}

// gate refuses to run against a device that is not connected
func (e *Engine) gate(deviceID string) error {
	if e.states == nil {
		return nil
	}
	switch state := e.states.State(deviceID); state {
	case types.StateConnected:
		return nil
	case types.StateUnauthorized:
		return errs.New(errs.DeviceUnauthorized, deviceID, "device has not authorized this host")
	default:
		return errs.New(errs.DeviceUnreachable, deviceID, fmt.Sprintf("device is %s", state))
	}
}

// try runs one candidate. The error is non-nil only when the device
// connection is lost; candidate failures are reported in the attempt.
func (e *Engine) try(ctx context.Context, deviceID string, index int, c types.CommandCandidate) (types.Attempt, error) {
	start := time.Now()
	attempt := types.Attempt{Index: index, CandidateID: c.ID, Command: c.Command}
	fail := func(reason string) (types.Attempt, error) {
		attempt.Status = types.AttemptFailed
		attempt.Reason = reason
		attempt.Elapsed = time.Since(start)
		return attempt, nil
	}

	// a started candidate runs to completion even if the caller gives up
	runCtx := context.WithoutCancel(ctx)

	var before string
	if v := c.Verify; v != nil && v.CaptureBefore {
		rb, err := e.readBack(runCtx, deviceID, v)
		if err != nil {
			if cerr := connectionError(deviceID, err); cerr != nil {
				return attempt, cerr
			}
			return fail(fmt.Sprintf("capture before: %v", err))
		}
		before = rb.value
	}

	res, err := e.shell(runCtx, deviceID, c.Command)
	if err != nil {
		if cerr := connectionError(deviceID, err); cerr != nil {
			return attempt, cerr
		}
		return fail(err.Error())
	}
	attempt.Output = truncate(res.Stdout)
	if res.ExitCode != 0 {
		return fail(fmt.Sprintf("exit code %d", res.ExitCode))
	}
	if marker := errorMarker(res.Stdout); marker != "" {
		return fail(fmt.Sprintf("error in output: %s", marker))
	}

	v := c.Verify
	if v == nil {
		attempt.Status = types.AttemptAmbiguous
		attempt.Elapsed = time.Since(start)
		return attempt, nil
	}

	if v.Settle > 0 {
		time.Sleep(v.Settle)
	}
	rb, err := e.readBack(runCtx, deviceID, v)
	if err != nil {
		if cerr := connectionError(deviceID, err); cerr != nil {
			return attempt, cerr
		}
		return fail(fmt.Sprintf("verification read-back: %v", err))
	}
	ok, err := e.evaluator.Eval(v.Expect, verify.Input{
		Stdout:   rb.stdout,
		ExitCode: rb.exitCode,
		Value:    rb.value,
		Before:   before,
		Params:   c.Params,
	})
	if err != nil {
		return fail(fmt.Sprintf("verification: %v", err))
	}
	if !ok {
		return fail(fmt.Sprintf("verification failed: %s", v.Expect))
	}
	attempt.Status = types.AttemptSucceeded
	attempt.Elapsed = time.Since(start)
	return attempt, nil
}

type readBackResult struct {
	stdout   string
	exitCode int
	value    string
}

func (e *Engine) readBack(ctx context.Context, deviceID string, v *types.Verification) (readBackResult, error) {
	if v.Property != "" {
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
		value, _, err := e.transport.GetProperty(callCtx, deviceID, v.Property)
		if err != nil {
			return readBackResult{}, err
		}
		return readBackResult{stdout: value, value: strings.TrimSpace(value)}, nil
	}
	res, err := e.shell(ctx, deviceID, v.Command)
	if err != nil {
		return readBackResult{}, err
	}
	return readBackResult{stdout: res.Stdout, exitCode: res.ExitCode, value: strings.TrimSpace(res.Stdout)}, nil
}

func (e *Engine) shell(ctx context.Context, deviceID, command string) (transport.ShellResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return e.transport.RunShell(callCtx, deviceID, command)
}

func connectionError(deviceID string, err error) error {
	switch {
	case errors.Is(err, transport.ErrUnauthorized):
		return errs.Wrap(errs.DeviceUnauthorized, deviceID, err)
	case errors.Is(err, transport.ErrUnreachable):
		return errs.Wrap(errs.DeviceUnreachable, deviceID, err)
	}
	return nil
}

func statusFor(err error) types.ExecutionStatus {
	switch errs.KindOf(err) {
	case errs.DeviceUnauthorized:
		return types.StatusUnauthorized
	case errs.Cancelled:
		return types.StatusCancelled
	}
	return types.StatusUnreachable
}

func errorMarker(output string) string {
	for _, m := range errorMarkers {
		if strings.Contains(output, m) {
			return m
		}
	}
	return ""
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
