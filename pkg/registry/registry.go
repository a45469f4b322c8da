// Package registry is the static knowledge base of package names and command
// candidates. A built Registry is read-only and safe for concurrent use.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/xeipuuv/gojsonschema"

	"droidpilot/pkg/types"
)

// Step is one UI automation step. Coordinates are fractions of the screen.
type Step struct {
	Op         string  `yaml:"op" json:"op"` // launch, tap, long_press, swipe, text, key, wait, shell
	X          float64 `yaml:"x,omitempty" json:"x,omitempty"`
	Y          float64 `yaml:"y,omitempty" json:"y,omitempty"`
	X2         float64 `yaml:"x2,omitempty" json:"x2,omitempty"`
	Y2         float64 `yaml:"y2,omitempty" json:"y2,omitempty"`
	Text       string  `yaml:"text,omitempty" json:"text,omitempty"`
	DurationMs int     `yaml:"duration_ms,omitempty" json:"durationMs,omitempty"`

	text *template.Template
}

// VerifySpec declares how a candidate's effect is read back
type VerifySpec struct {
	Command       string `yaml:"command,omitempty" json:"command,omitempty"`
	Property      string `yaml:"property,omitempty" json:"property,omitempty"`
	Expect        string `yaml:"expect" json:"expect"`
	CaptureBefore bool   `yaml:"capture_before,omitempty" json:"captureBefore,omitempty"`
	SettleMs      int    `yaml:"settle_ms,omitempty" json:"settleMs,omitempty"`

	command *template.Template
}

// Template is a command candidate before parameters and geometry are bound
type Template struct {
	ID          string              `yaml:"id" json:"id"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        types.CandidateKind `yaml:"kind,omitempty" json:"kind"`
	Command     string              `yaml:"command,omitempty" json:"command,omitempty"`
	Steps       []Step              `yaml:"steps,omitempty" json:"steps,omitempty"`
	TargetsApp  bool                `yaml:"targets_app,omitempty" json:"targetsApp,omitempty"`
	MinAPI      int                 `yaml:"min_api,omitempty" json:"minApi,omitempty"`
	MaxAPI      int                 `yaml:"max_api,omitempty" json:"maxApi,omitempty"`
	Classes     []types.DeviceClass `yaml:"classes,omitempty" json:"classes,omitempty"`
	// When is a CEL condition over params; the template applies only if it holds
	When   string      `yaml:"when,omitempty" json:"when,omitempty"`
	Verify *VerifySpec `yaml:"verify,omitempty" json:"verify,omitempty"`

	rank    int
	command *template.Template
}

// Rank is the template's reliability position within its action
func (t Template) Rank() int { return t.rank }

// Applies reports whether the template's API range and class set admit a device
func (t Template) Applies(apiLevel int, class types.DeviceClass) bool {
	if t.MinAPI > 0 && apiLevel < t.MinAPI {
		return false
	}
	if t.MaxAPI > 0 && apiLevel > t.MaxAPI {
		return false
	}
	if len(t.Classes) == 0 {
		return true
	}
	for _, c := range t.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// RenderCommand substitutes params into a shell template
func (t Template) RenderCommand(data map[string]string) (string, error) {
	if t.command == nil {
		return "", fmt.Errorf("template %s has no command", t.ID)
	}
	return execute(t.command, data)
}

// RenderText substitutes params into a step's text
func (s Step) RenderText(data map[string]string) (string, error) {
	if s.text == nil {
		return "", nil
	}
	return execute(s.text, data)
}

// RenderCommand substitutes params into the read-back command
func (v VerifySpec) RenderCommand(data map[string]string) (string, error) {
	if v.command == nil {
		return "", nil
	}
	return execute(v.command, data)
}

// ActionSpec describes one semantic action
type ActionSpec struct {
	Name        string                 `yaml:"name" json:"name"`
	Category    string                 `yaml:"category" json:"category"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	DefaultApp  string                 `yaml:"default_app,omitempty" json:"defaultApp,omitempty"`
	Params      map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Candidates  []Template             `yaml:"candidates" json:"candidates"`

	schema *gojsonschema.Schema
}

// Defaults returns the schema's declared default parameter values
func (a ActionSpec) Defaults() map[string]string {
	out := make(map[string]string)
	props, _ := a.Params["properties"].(map[string]interface{})
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			out[name] = fmt.Sprint(def)
		}
	}
	return out
}

// ValidateParams checks params against the action's JSON schema
func (a ActionSpec) ValidateParams(params map[string]string) error {
	if a.schema == nil {
		return nil
	}
	doc := make(map[string]interface{}, len(params))
	for k, v := range params {
		doc[k] = v
	}
	result, err := a.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("parameter validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// ParamNames lists the declared parameter names, required ones first
func (a ActionSpec) ParamNames() (required, optional []string) {
	req := make(map[string]bool)
	if list, ok := a.Params["required"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				req[s] = true
			}
		}
	}
	props, _ := a.Params["properties"].(map[string]interface{})
	for name := range props {
		if req[name] {
			required = append(required, name)
		} else {
			optional = append(optional, name)
		}
	}
	sort.Strings(required)
	sort.Strings(optional)
	return required, optional
}

// AppPackages maps a logical app onto concrete package ids
type AppPackages struct {
	Aliases       []string            `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Generic       []string            `yaml:"generic,omitempty" json:"generic,omitempty"`
	Manufacturers map[string][]string `yaml:"manufacturers,omitempty" json:"manufacturers,omitempty"`
}

// Registry is an immutable, validated knowledge base
type Registry struct {
	actions  map[string]*ActionSpec
	packages map[string]*AppPackages
	aliases  map[string]string
}

// manufacturerAliases folds sub-brands onto the manufacturer that ships their packages
var manufacturerAliases = map[string]string{
	"redmi":               "xiaomi",
	"poco":                "xiaomi",
	"samsung electronics": "samsung",
	"lge":                 "lg",
	"motorola mobility":   "motorola",
	"oneplus technology":  "oneplus",
	"huawei technologies": "huawei",
	"google inc.":         "google",
}

// NormalizeManufacturer lower-cases and folds aliases
func NormalizeManufacturer(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if a, ok := manufacturerAliases[m]; ok {
		return a
	}
	return m
}

// NormalizeApp turns a spoken or typed app name into a registry key
func NormalizeApp(app string) string {
	app = strings.ToLower(strings.TrimSpace(app))
	return strings.Join(strings.Fields(app), "_")
}

// PackageCandidates returns package ids for a logical app on a manufacturer,
// manufacturer-specific first. Unknown apps that look like package ids are
// returned as-is; anything else yields nil.
func (r *Registry) PackageCandidates(manufacturer, app string) []string {
	key := NormalizeApp(app)
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	pkgs, ok := r.packages[key]
	if !ok {
		if looksLikePackage(app) {
			return []string{strings.TrimSpace(app)}
		}
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(ids []string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(pkgs.Manufacturers[NormalizeManufacturer(manufacturer)])
	add(pkgs.Generic)
	return out
}

// packageID matches Android application ids such as com.example.app
var packageID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

func looksLikePackage(s string) bool {
	return packageID.MatchString(strings.TrimSpace(s))
}

// CommandCandidates returns the templates of action admitted by apiLevel and
// class, in reliability order
func (r *Registry) CommandCandidates(action string, apiLevel int, class types.DeviceClass) []Template {
	spec, ok := r.actions[action]
	if !ok {
		return nil
	}
	var out []Template
	for _, t := range spec.Candidates {
		if t.Applies(apiLevel, class) {
			out = append(out, t)
		}
	}
	return out
}

// Action looks up an action by name
func (r *Registry) Action(name string) (ActionSpec, bool) {
	spec, ok := r.actions[name]
	if !ok {
		return ActionSpec{}, false
	}
	return *spec, true
}

// Actions lists every action ordered by name
func (r *Registry) Actions() []ActionSpec {
	out := make([]ActionSpec, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apps lists the logical app names the registry knows
func (r *Registry) Apps() []string {
	out := make([]string, 0, len(r.packages))
	for name := range r.packages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON exposes actions and packages for diagnostics
func (r *Registry) MarshalJSON() ([]byte, error) {
	pkgs := make(map[string]AppPackages, len(r.packages))
	for k, v := range r.packages {
		pkgs[k] = *v
	}
	return json.Marshal(struct {
		Actions  []ActionSpec           `json:"actions"`
		Packages map[string]AppPackages `json:"packages"`
	}{r.Actions(), pkgs})
}

// Holder publishes the current Registry and lets a reload swap it atomically
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder returns a holder serving r
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Current returns the registry in effect
func (h *Holder) Current() *Registry { return h.current.Load() }

// Swap installs r and returns the previous registry
func (h *Holder) Swap(r *Registry) *Registry { return h.current.Swap(r) }
