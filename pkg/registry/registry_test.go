package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"droidpilot/pkg/intent"
	"droidpilot/pkg/registry"
	"droidpilot/pkg/types"
	"droidpilot/pkg/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtin(t *testing.T) *registry.Registry {
	t.Helper()
	evaluator, err := verify.NewEvaluator()
	require.NoError(t, err)
	reg, err := registry.Load("", evaluator)
	require.NoError(t, err, "built-in registry must compile")
	return reg
}

func candidateIDs(ts []registry.Template) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func TestBuiltinCompiles(t *testing.T) {
	reg := builtin(t)

	names := make(map[string]bool)
	for _, a := range reg.Actions() {
		names[a.Name] = true
		assert.NotEmpty(t, a.Category, "action %s has no category", a.Name)
		assert.NotEmpty(t, a.Candidates, "action %s has no candidates", a.Name)
	}
	for _, want := range []string{"toggle_flashlight", "set_volume", "open_chat", "open_app", "set_brightness"} {
		assert.True(t, names[want], "missing action %s", want)
	}
}

func TestBuiltinCoversPhrases(t *testing.T) {
	reg := builtin(t)
	for _, name := range intent.Actions() {
		_, ok := reg.Action(name)
		assert.True(t, ok, "phrases map to %s but the registry has no such action", name)
	}
}

func TestPackageCandidatesManufacturerFirst(t *testing.T) {
	reg := builtin(t)

	assert.Equal(t,
		[]string{"com.sec.android.gallery3d", "com.google.android.apps.photos"},
		reg.PackageCandidates("Samsung", "gallery"))
	assert.Equal(t,
		[]string{"com.miui.gallery", "com.google.android.apps.photos"},
		reg.PackageCandidates("Redmi", "photos"), "sub-brand and alias both fold")
	assert.Equal(t,
		[]string{"com.google.android.apps.photos"},
		reg.PackageCandidates("unknown-oem", "gallery"))
	assert.Equal(t, []string{"com.whatsapp"}, reg.PackageCandidates("samsung", "WhatsApp"))
}

func TestPackageCandidatesUnknownApp(t *testing.T) {
	reg := builtin(t)

	assert.Equal(t, []string{"com.example.app"}, reg.PackageCandidates("google", "com.example.app"))
	assert.Nil(t, reg.PackageCandidates("google", "no such app"))
	assert.Nil(t, reg.PackageCandidates("google", "bad..id"))
	for _, hostile := range []string{"com.x&reboot", "com.x$(id)", "com.x|sh", "com.x`id`", "com.x>/sdcard/f"} {
		assert.Nil(t, reg.PackageCandidates("google", hostile), hostile)
	}
}

func TestCommandCandidatesFilter(t *testing.T) {
	reg := builtin(t)

	t.Run("flashlight on new phone", func(t *testing.T) {
		got := candidateIDs(reg.CommandCandidates("toggle_flashlight", 34, types.ClassPhone))
		assert.Equal(t, []string{"torch_tile_cmd", "torch_qs_panel", "torch_qs_panel_alt"}, got)
	})

	t.Run("flashlight below tile command", func(t *testing.T) {
		got := candidateIDs(reg.CommandCandidates("toggle_flashlight", 29, types.ClassPhone))
		assert.Equal(t, []string{"torch_qs_panel", "torch_qs_panel_alt"}, got)
	})

	t.Run("flashlight on tv", func(t *testing.T) {
		assert.Empty(t, reg.CommandCandidates("toggle_flashlight", 34, types.ClassTV))
	})

	t.Run("flashlight on ancient api", func(t *testing.T) {
		assert.Empty(t, reg.CommandCandidates("toggle_flashlight", 21, types.ClassPhone))
	})

	t.Run("volume on tablet", func(t *testing.T) {
		got := candidateIDs(reg.CommandCandidates("set_volume", 30, types.ClassTablet))
		assert.Equal(t, []string{"volume_media_session", "volume_keyevent"}, got)
	})

	t.Run("unknown action", func(t *testing.T) {
		assert.Nil(t, reg.CommandCandidates("teleport", 34, types.ClassPhone))
	})
}

func TestRanksFollowDeclarationOrder(t *testing.T) {
	reg := builtin(t)

	spec, ok := reg.Action("set_volume")
	require.True(t, ok)
	for i, c := range spec.Candidates {
		assert.Equal(t, i, c.Rank())
	}
}

func TestValidateParams(t *testing.T) {
	reg := builtin(t)
	spec, ok := reg.Action("set_volume")
	require.True(t, ok)

	assert.NoError(t, spec.ValidateParams(map[string]string{"direction": "up"}))
	assert.Error(t, spec.ValidateParams(map[string]string{"direction": "sideways"}))
	assert.Error(t, spec.ValidateParams(map[string]string{}))

	brightness, ok := reg.Action("set_brightness")
	require.True(t, ok)
	assert.NoError(t, brightness.ValidateParams(map[string]string{"level": "100"}))
	assert.Error(t, brightness.ValidateParams(map[string]string{"level": "101"}))

	required, optional := brightness.ParamNames()
	assert.Equal(t, []string{"level"}, required)
	assert.Empty(t, optional)
}

func TestDefaults(t *testing.T) {
	reg := builtin(t)
	spec, ok := reg.Action("open_settings")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"section": "main"}, spec.Defaults())
}

func TestRenderCommand(t *testing.T) {
	reg := builtin(t)

	volume := reg.CommandCandidates("set_volume", 30, types.ClassTablet)[0]
	cmd, err := volume.RenderCommand(map[string]string{"direction": "up"})
	require.NoError(t, err)
	assert.Equal(t, "cmd media_session volume --show --stream 3 --adj raise", cmd)

	chat := reg.CommandCandidates("open_chat", 33, types.ClassPhone)[0]
	require.Equal(t, "chat_deeplink", chat.ID)
	_, err = chat.RenderCommand(map[string]string{"contact": "Mom", "pkg": "com.whatsapp", "app": "whatsapp"})
	assert.Error(t, err, "missing phone must fail rendering")

	cmd, err = chat.RenderCommand(map[string]string{"contact": "Mom", "phone": "+15551234", "pkg": "com.whatsapp", "app": "whatsapp"})
	require.NoError(t, err)
	assert.Equal(t, "am start -a android.intent.action.SENDTO -d 'smsto:+15551234' -p 'com.whatsapp'", cmd)

	brightness := reg.CommandCandidates("set_brightness", 30, types.ClassPhone)[0]
	cmd, err = brightness.RenderCommand(map[string]string{"level": "50"})
	require.NoError(t, err)
	assert.Contains(t, cmd, "screen_brightness 127")
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, registry.ShellQuote("it's"))
	assert.Equal(t, `'hello%sworld'`, registry.InputText("hello world"))
	assert.Equal(t, `'100\%'`, registry.InputText("100%"))
}

func TestOverlayAppendsCandidatesAndPackages(t *testing.T) {
	evaluator, err := verify.NewEvaluator()
	require.NoError(t, err)

	overlay := `
packages:
  gallery:
    manufacturers:
      samsung: [com.example.samsunggallery]
actions:
  - name: toggle_flashlight
    candidates:
      - id: torch_vendor_tool
        command: 'vendor-torch toggle'
  - name: ring
    category: audio
    candidates:
      - command: 'input keyevent KEYCODE_VOLUME_UP'
`
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0644))

	reg, err := registry.Load(path, evaluator)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"com.example.samsunggallery", "com.sec.android.gallery3d", "com.google.android.apps.photos"},
		reg.PackageCandidates("samsung", "gallery"))

	ids := candidateIDs(reg.CommandCandidates("toggle_flashlight", 34, types.ClassPhone))
	assert.Equal(t, "torch_vendor_tool", ids[len(ids)-1])

	ring, ok := reg.Action("ring")
	require.True(t, ok)
	assert.Equal(t, "ring_0", ring.Candidates[0].ID)
}

func TestLoadMissingOverlay(t *testing.T) {
	evaluator, err := verify.NewEvaluator()
	require.NoError(t, err)
	_, err = registry.Load(filepath.Join(t.TempDir(), "absent.yaml"), evaluator)
	assert.NoError(t, err)
}

func TestBuildRejectsBadTemplates(t *testing.T) {
	evaluator, err := verify.NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		doc  string
	}{
		{"no candidates", `
actions:
  - name: a
    candidates: []
`},
		{"unknown op", `
actions:
  - name: a
    candidates:
      - steps: [{op: dance}]
`},
		{"coordinate out of range", `
actions:
  - name: a
    candidates:
      - steps: [{op: tap, x: 1.5, y: 0.5}]
`},
		{"bad class", `
actions:
  - name: a
    candidates:
      - command: 'true'
        classes: [watch]
`},
		{"inverted api range", `
actions:
  - name: a
    candidates:
      - command: 'true'
        min_api: 30
        max_api: 20
`},
		{"bad expectation", `
actions:
  - name: a
    candidates:
      - command: 'true'
        verify: {command: 'true', expect: 'value =='}
`},
		{"verify with command and property", `
actions:
  - name: a
    candidates:
      - command: 'true'
        verify: {command: 'true', property: 'ro.x', expect: 'value == "1"'}
`},
		{"duplicate id", `
actions:
  - name: a
    candidates:
      - {id: x, command: 'true'}
      - {id: x, command: 'false'}
`},
		{"broken template", `
actions:
  - name: a
    candidates:
      - command: '{{.missing'
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := registry.Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = registry.Build(evaluator, doc)
			assert.Error(t, err)
		})
	}
}

func TestHolderSwap(t *testing.T) {
	first := builtin(t)
	second := builtin(t)

	h := registry.NewHolder(first)
	assert.Same(t, first, h.Current())
	assert.Same(t, first, h.Swap(second))
	assert.Same(t, second, h.Current())
}
