package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"droidpilot/pkg/types"
)

//go:embed builtin.yaml
var builtinYAML []byte

// Document is the on-disk registry format, used for the built-in tables and
// for user overlays
type Document struct {
	Packages map[string]AppPackages `yaml:"packages"`
	Actions  []ActionSpec           `yaml:"actions"`
}

// Checker validates CEL expressions at build time
type Checker interface {
	Check(expression string) error
}

var validOps = map[string]bool{
	"launch": true, "tap": true, "long_press": true, "swipe": true,
	"text": true, "key": true, "wait": true, "shell": true,
}

// Parse decodes a registry document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &doc, nil
}

// Builtin returns the embedded default document
func Builtin() (*Document, error) {
	return Parse(builtinYAML)
}

// Load builds the built-in registry merged with the overlay at path.
// An empty path or a missing file means no overlay.
func Load(path string, checker Checker) (*Registry, error) {
	base, err := Builtin()
	if err != nil {
		return nil, err
	}
	docs := []*Document{base}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read registry overlay: %w", err)
		default:
			overlay, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			docs = append(docs, overlay)
		}
	}
	return Build(checker, docs...)
}

// Build merges documents in order and validates the result. Later documents
// append candidates to existing actions and put their package ids first.
func Build(checker Checker, docs ...*Document) (*Registry, error) {
	r := &Registry{
		actions:  make(map[string]*ActionSpec),
		packages: make(map[string]*AppPackages),
		aliases:  make(map[string]string),
	}

	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for name, pkgs := range doc.Packages {
			r.mergePackages(NormalizeApp(name), pkgs)
		}
		for _, a := range doc.Actions {
			if err := r.mergeAction(a); err != nil {
				return nil, err
			}
		}
	}

	for name, pkgs := range r.packages {
		for _, alias := range pkgs.Aliases {
			r.aliases[NormalizeApp(alias)] = name
		}
	}

	for _, spec := range r.actions {
		if err := compileAction(spec, checker); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) mergePackages(name string, in AppPackages) {
	cur, ok := r.packages[name]
	if !ok {
		cur = &AppPackages{Manufacturers: make(map[string][]string)}
		r.packages[name] = cur
	}
	cur.Aliases = append(cur.Aliases, in.Aliases...)
	cur.Generic = append(append([]string{}, in.Generic...), cur.Generic...)
	for m, ids := range in.Manufacturers {
		key := NormalizeManufacturer(m)
		cur.Manufacturers[key] = append(append([]string{}, ids...), cur.Manufacturers[key]...)
	}
}

func (r *Registry) mergeAction(in ActionSpec) error {
	if in.Name == "" {
		return fmt.Errorf("registry action without a name")
	}
	cur, ok := r.actions[in.Name]
	if !ok {
		spec := in
		spec.Candidates = cloneTemplates(in.Candidates)
		r.actions[in.Name] = &spec
		return nil
	}
	if in.Category != "" {
		cur.Category = in.Category
	}
	if in.Description != "" {
		cur.Description = in.Description
	}
	if in.DefaultApp != "" {
		cur.DefaultApp = in.DefaultApp
	}
	if in.Params != nil {
		cur.Params = in.Params
	}
	cur.Candidates = append(cur.Candidates, cloneTemplates(in.Candidates)...)
	return nil
}

// cloneTemplates copies templates deeply enough that compiling them never
// writes into the source document
func cloneTemplates(in []Template) []Template {
	out := make([]Template, len(in))
	for i, t := range in {
		t.Steps = append([]Step(nil), t.Steps...)
		t.Classes = append([]types.DeviceClass(nil), t.Classes...)
		if t.Verify != nil {
			v := *t.Verify
			t.Verify = &v
		}
		out[i] = t
	}
	return out
}

// compileAction parses every template of spec and checks its expressions
func compileAction(spec *ActionSpec, checker Checker) error {
	if spec.Category == "" {
		spec.Category = spec.Name
	}
	if spec.Params != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Params))
		if err != nil {
			return fmt.Errorf("action %s: invalid params schema: %w", spec.Name, err)
		}
		spec.schema = schema
	}
	if len(spec.Candidates) == 0 {
		return fmt.Errorf("action %s has no candidates", spec.Name)
	}

	ids := make(map[string]bool)
	for i := range spec.Candidates {
		t := &spec.Candidates[i]
		t.rank = i
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s_%d", spec.Name, i)
		}
		if ids[t.ID] {
			return fmt.Errorf("action %s: duplicate candidate id %s", spec.Name, t.ID)
		}
		ids[t.ID] = true
		if err := compileTemplate(spec.Name, t, checker); err != nil {
			return err
		}
	}
	return nil
}

func compileTemplate(action string, t *Template, checker Checker) error {
	where := fmt.Sprintf("action %s candidate %s", action, t.ID)

	if t.Kind == "" {
		t.Kind = types.KindShell
		if len(t.Steps) > 0 {
			t.Kind = types.KindUI
		}
	}
	for _, c := range t.Classes {
		if _, ok := types.ParseDeviceClass(string(c)); !ok {
			return fmt.Errorf("%s: unknown device class %q", where, c)
		}
	}
	if t.MinAPI > 0 && t.MaxAPI > 0 && t.MinAPI > t.MaxAPI {
		return fmt.Errorf("%s: min_api %d above max_api %d", where, t.MinAPI, t.MaxAPI)
	}

	switch t.Kind {
	case types.KindShell:
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("%s: shell candidate without command", where)
		}
		tmpl, err := compileText(t.ID, t.Command)
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		t.command = tmpl
	case types.KindUI:
		if len(t.Steps) == 0 {
			return fmt.Errorf("%s: ui candidate without steps", where)
		}
		for i := range t.Steps {
			s := &t.Steps[i]
			if !validOps[s.Op] {
				return fmt.Errorf("%s: step %d: unknown op %q", where, i, s.Op)
			}
			if !inUnit(s.X) || !inUnit(s.Y) || !inUnit(s.X2) || !inUnit(s.Y2) {
				return fmt.Errorf("%s: step %d: coordinates must be fractions in [0,1]", where, i)
			}
			if s.Text != "" {
				tmpl, err := compileText(fmt.Sprintf("%s.step%d", t.ID, i), s.Text)
				if err != nil {
					return fmt.Errorf("%s: %w", where, err)
				}
				s.text = tmpl
			}
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", where, t.Kind)
	}

	if t.When != "" && checker != nil {
		if err := checker.Check(t.When); err != nil {
			return fmt.Errorf("%s: when: %w", where, err)
		}
	}

	if v := t.Verify; v != nil {
		if (v.Command == "") == (v.Property == "") {
			return fmt.Errorf("%s: verify needs exactly one of command or property", where)
		}
		if v.Expect == "" {
			return fmt.Errorf("%s: verify without expect", where)
		}
		if checker != nil {
			if err := checker.Check(v.Expect); err != nil {
				return fmt.Errorf("%s: expect: %w", where, err)
			}
		}
		if v.Command != "" {
			tmpl, err := compileText(t.ID+".verify", v.Command)
			if err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
			v.command = tmpl
		}
	}
	return nil
}

func inUnit(f float64) bool { return f >= 0 && f <= 1 }
