package registry

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/template"
)

// settingsActions maps open_settings sections to their intent actions
var settingsActions = map[string]string{
	"main":          "android.settings.SETTINGS",
	"wifi":          "android.settings.WIFI_SETTINGS",
	"bluetooth":     "android.settings.BLUETOOTH_SETTINGS",
	"display":       "android.settings.DISPLAY_SETTINGS",
	"sound":         "android.settings.SOUND_SETTINGS",
	"battery":       "android.intent.action.POWER_USAGE_SUMMARY",
	"storage":       "android.settings.INTERNAL_STORAGE_SETTINGS",
	"security":      "android.settings.SECURITY_SETTINGS",
	"location":      "android.settings.LOCATION_SOURCE_SETTINGS",
	"apps":          "android.settings.APPLICATION_SETTINGS",
	"about":         "android.settings.DEVICE_INFO_SETTINGS",
	"accessibility": "android.settings.ACCESSIBILITY_SETTINGS",
	"language":      "android.settings.LOCALE_SETTINGS",
	"airplane":      "android.settings.AIRPLANE_MODE_SETTINGS",
	"hotspot":       "android.settings.TETHER_SETTINGS",
	"dnd":           "android.settings.ZEN_MODE_SETTINGS",
}

// templateFuncs are available to every command template
var templateFuncs = template.FuncMap{
	"q":              ShellQuote,
	"inputText":      InputText,
	"urlq":           url.QueryEscape,
	"upper":          strings.ToUpper,
	"lower":          strings.ToLower,
	"scale255":       scale255,
	"fraction":       fraction,
	"settingsAction": settingsAction,
	"keycode":        Keycode,
}

// ShellQuote wraps s in single quotes for the device shell
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// InputText escapes s for `input text`, which treats %s as a space
func InputText(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, " ", "%s")
	return ShellQuote(s)
}

// scale255 maps a 0-100 percentage onto the 0-255 brightness range
func scale255(percent string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(percent))
	if err != nil {
		return "", fmt.Errorf("scale255: %q is not a number", percent)
	}
	n = max(0, min(100, n))
	return strconv.Itoa(n * 255 / 100), nil
}

// fraction maps a 0-100 percentage onto 0.0-1.0
func fraction(percent string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(percent))
	if err != nil {
		return "", fmt.Errorf("fraction: %q is not a number", percent)
	}
	n = max(0, min(100, n))
	return strconv.FormatFloat(float64(n)/100, 'f', 2, 64), nil
}

// Keycode normalizes a key name for `input keyevent`. Numeric codes and
// names already carrying the KEYCODE_ prefix pass through.
func Keycode(name string) string {
	name = strings.TrimSpace(name)
	if _, err := strconv.Atoi(name); err == nil {
		return name
	}
	name = strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
	if strings.HasPrefix(name, "KEYCODE_") {
		return name
	}
	return "KEYCODE_" + name
}

func settingsAction(section string) (string, error) {
	a, ok := settingsActions[strings.ToLower(section)]
	if !ok {
		return "", fmt.Errorf("unknown settings section %q", section)
	}
	return a, nil
}

// compileText parses a command template with strict missing-key handling
func compileText(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing template %s: %w", name, err)
	}
	return tmpl, nil
}

func execute(tmpl *template.Template, data map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
