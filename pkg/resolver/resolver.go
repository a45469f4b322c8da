// Package resolver turns an action request plus a device profile into an
// ordered fallback chain of concrete commands.
package resolver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/registry"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"
)

const (
	defaultSwipeMs     = 300
	defaultLongPressMs = 800
)

// Condition evaluates a template's `when` expression
type Condition interface {
	Eval(expression string, in verify.Input) (bool, error)
}

// Resolver builds fallback chains from the current registry.
// Resolution is a pure function of the request, the profile and the registry.
type Resolver struct {
	registry  *registry.Holder
	condition Condition
}

// New returns a resolver reading from holder. A nil condition admits every template.
func New(holder *registry.Holder, condition Condition) *Resolver {
	return &Resolver{registry: holder, condition: condition}
}

// Resolve builds the fallback chain for req on the device described by p
func (r *Resolver) Resolve(req types.ActionRequest, p types.DeviceProfile) (types.FallbackChain, error) {
	reg := r.registry.Current()

	spec, ok := reg.Action(req.Action)
	if !ok {
		return types.FallbackChain{}, &errs.Error{
			Kind: errs.UnsupportedAction, DeviceID: p.ID, Action: req.Action,
			Detail: "unknown action",
		}
	}

	params := spec.Defaults()
	for k, v := range req.Params {
		params[k] = v
	}
	if err := spec.ValidateParams(params); err != nil {
		return types.FallbackChain{}, &errs.Error{
			Kind: errs.InvalidParams, DeviceID: p.ID, Action: req.Action, Err: err,
		}
	}

	app := params["app"]
	if app == "" {
		app = spec.DefaultApp
	}
	if app != "" {
		params["app"] = app
	}

	templates := reg.CommandCandidates(req.Action, p.APILevel, p.Class)
	if len(templates) == 0 {
		return types.FallbackChain{}, &errs.Error{
			Kind: errs.UnsupportedAction, DeviceID: p.ID, Action: req.Action,
			Detail: fmt.Sprintf("no candidate for api %d class %s", p.APILevel, p.Class),
		}
	}

	var packages []string
	if app != "" {
		packages = reg.PackageCandidates(p.Manufacturer, app)
	}

	chain := types.FallbackChain{
		Action:   spec.Name,
		Category: spec.Category,
		DeviceID: p.ID,
	}
	for _, t := range templates {
		if !r.admits(t, params) {
			continue
		}
		if !t.TargetsApp {
			if c, ok := r.bind(t, copyParams(params), p); ok {
				chain.Candidates = append(chain.Candidates, c)
			}
			continue
		}
		for _, pkg := range packages {
			data := copyParams(params)
			data["pkg"] = pkg
			if c, ok := r.bind(t, data, p); ok {
				c.ID = t.ID + "@" + pkg
				c.Package = pkg
				chain.Candidates = append(chain.Candidates, c)
			}
		}
	}

	if len(chain.Candidates) == 0 {
		detail := "every candidate needs parameters the request lacks"
		if app != "" && len(packages) == 0 {
			detail = fmt.Sprintf("no known package for app %q", app)
		}
		return types.FallbackChain{}, &errs.Error{
			Kind: errs.UnsupportedAction, DeviceID: p.ID, Action: req.Action, Detail: detail,
		}
	}

	logger.Debug("resolver").
		Str("deviceId", p.ID).
		Str("action", req.Action).
		Int("candidates", chain.Len()).
		Msg("Fallback chain resolved")
	return chain, nil
}

func (r *Resolver) admits(t registry.Template, params map[string]string) bool {
	if t.When == "" || r.condition == nil {
		return true
	}
	ok, err := r.condition.Eval(t.When, verify.Input{Params: params})
	if err != nil {
		logger.Debug("resolver").Err(err).Str("template", t.ID).Msg("Condition not evaluable, skipping")
		return false
	}
	return ok
}

// bind renders one template against data. Templates that cannot render are skipped.
func (r *Resolver) bind(t registry.Template, data map[string]string, p types.DeviceProfile) (types.CommandCandidate, bool) {
	c := types.CommandCandidate{
		ID:          t.ID,
		Kind:        t.Kind,
		Rank:        t.Rank(),
		Description: t.Description,
		Params:      data,
	}

	var err error
	switch t.Kind {
	case types.KindUI:
		c.Command, err = CompileSteps(t.Steps, data, p)
	default:
		c.Command, err = t.RenderCommand(data)
	}
	if err == nil && strings.TrimSpace(c.Command) == "" {
		err = fmt.Errorf("empty command")
	}
	if err != nil {
		logger.Debug("resolver").Err(err).Str("template", t.ID).Msg("Template skipped")
		return c, false
	}

	if v := t.Verify; v != nil {
		check, err := v.RenderCommand(data)
		if err != nil {
			logger.Debug("resolver").Err(err).Str("template", t.ID).Msg("Verification skipped template")
			return c, false
		}
		c.Verify = &types.Verification{
			Command:       check,
			Property:      v.Property,
			Expect:        v.Expect,
			CaptureBefore: v.CaptureBefore,
			Settle:        time.Duration(v.SettleMs) * time.Millisecond,
		}
	}
	return c, true
}

// CompileSteps binds UI steps to the profile's screen and joins them into a
// single shell line
func CompileSteps(steps []registry.Step, data map[string]string, p types.DeviceProfile) (string, error) {
	if p.ScreenWidth <= 0 || p.ScreenHeight <= 0 {
		return "", fmt.Errorf("profile has no screen size")
	}
	x := func(f float64) int { return pixel(f, p.ScreenWidth) }
	y := func(f float64) int { return pixel(f, p.ScreenHeight) }

	parts := make([]string, 0, len(steps))
	for i, s := range steps {
		text, err := s.RenderText(data)
		if err != nil {
			return "", fmt.Errorf("step %d: %w", i, err)
		}

		switch s.Op {
		case "launch":
			pkg := text
			if pkg == "" {
				pkg = data["pkg"]
			}
			if pkg == "" {
				return "", fmt.Errorf("step %d: launch without package", i)
			}
			parts = append(parts, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", registry.ShellQuote(pkg)))
		case "tap":
			parts = append(parts, fmt.Sprintf("input tap %d %d", x(s.X), y(s.Y)))
		case "long_press":
			d := s.DurationMs
			if d <= 0 {
				d = defaultLongPressMs
			}
			parts = append(parts, fmt.Sprintf("input swipe %d %d %d %d %d", x(s.X), y(s.Y), x(s.X), y(s.Y), d))
		case "swipe":
			d := s.DurationMs
			if d <= 0 {
				d = defaultSwipeMs
			}
			parts = append(parts, fmt.Sprintf("input swipe %d %d %d %d %d", x(s.X), y(s.Y), x(s.X2), y(s.Y2), d))
		case "text":
			if text == "" {
				return "", fmt.Errorf("step %d: empty text", i)
			}
			parts = append(parts, "input text "+registry.InputText(text))
		case "key":
			if text == "" {
				return "", fmt.Errorf("step %d: key without keycode", i)
			}
			parts = append(parts, "input keyevent "+registry.Keycode(text))
		case "wait":
			secs := float64(max(s.DurationMs, 0)) / 1000
			parts = append(parts, "sleep "+strconv.FormatFloat(secs, 'f', -1, 64))
		case "shell":
			if text == "" {
				return "", fmt.Errorf("step %d: empty shell step", i)
			}
			parts = append(parts, text)
		default:
			return "", fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
	}
	return strings.Join(parts, " && "), nil
}

// pixel maps a screen fraction onto [0, size-1]
func pixel(f float64, size int) int {
	v := int(math.Round(f * float64(size)))
	return max(0, min(size-1, v))
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
