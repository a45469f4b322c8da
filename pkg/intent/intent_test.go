package intent

import (
	"reflect"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		text   string
		action string
		params map[string]string
	}{
		{"Turn on the flashlight", "toggle_flashlight", nil},
		{"switch off torch please", "toggle_flashlight", nil},
		{"Increase the volume", "set_volume", map[string]string{"direction": "up"}},
		{"mute volume", "set_volume", map[string]string{"direction": "mute"}},
		{"volume down", "set_volume", map[string]string{"direction": "down"}},
		{"set brightness to 40%", "set_brightness", map[string]string{"level": "40"}},
		{"Turn off WiFi.", "toggle_wifi", map[string]string{"state": "off"}},
		{"enable bluetooth", "toggle_bluetooth", map[string]string{"state": "on"}},
		{"send message to Mom", "open_chat", map[string]string{"contact": "mom"}},
		{"message alice on telegram", "open_chat", map[string]string{"contact": "alice", "app": "telegram"}},
		{"search lofi beats on youtube", "search_youtube", map[string]string{"query": "lofi beats"}},
		{"take a screenshot", "take_screenshot", nil},
		{"unlock the phone", "unlock_device", nil},
		{"lock device", "lock_device", nil},
		{"pause the music", "media_control", map[string]string{"command": "pause"}},
		{"next song", "media_control", map[string]string{"command": "next"}},
		{"navigate to central station", "navigate_to", map[string]string{"destination": "central station"}},
		{"call +1 555-1234", "call_contact", map[string]string{"number": "+15551234"}},
		{"show notifications", "open_notifications", nil},
		{"go home", "go_home", nil},
		{"scroll down", "scroll", map[string]string{"direction": "down"}},
		{"open bluetooth settings", "open_settings", map[string]string{"section": "bluetooth"}},
		{"open settings", "open_settings", map[string]string{"section": "main"}},
		{"open do not disturb settings", "open_settings", map[string]string{"section": "dnd"}},
		{"close the camera app", "close_app", map[string]string{"app": "camera"}},
		{"hang up the call", "end_call", nil},
		{"end call", "end_call", nil},
		{"turn on airplane mode", "toggle_airplane_mode", map[string]string{"state": "on"}},
		{"disable flight mode", "toggle_airplane_mode", map[string]string{"state": "off"}},
		{"turn on the wifi hotspot", "toggle_hotspot", map[string]string{"state": "on"}},
		{"switch off hotspot", "toggle_hotspot", map[string]string{"state": "off"}},
		{"enable do not disturb", "toggle_dnd", map[string]string{"state": "on"}},
		{"clear all notifications", "clear_notifications", nil},
		{"dismiss my notifications", "clear_notifications", nil},
		{"uninstall the tiktok app", "uninstall_app", map[string]string{"app": "tiktok"}},
		{"open airplane mode", "open_settings", map[string]string{"section": "airplane"}},
		{"open hotspot", "open_settings", map[string]string{"section": "hotspot"}},
		{"please open whatsapp", "open_app", map[string]string{"app": "whatsapp"}},
		{"launch google maps", "open_app", map[string]string{"app": "google maps"}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			m, ok := Detect(tt.text)
			if !ok {
				t.Fatalf("Detect(%q) found nothing", tt.text)
			}
			if m.Action != tt.action {
				t.Errorf("action = %s, want %s", m.Action, tt.action)
			}
			if !reflect.DeepEqual(m.Params, tt.params) {
				t.Errorf("params = %v, want %v", m.Params, tt.params)
			}
		})
	}
}

func TestDetectNoMatch(t *testing.T) {
	for _, text := range []string{"", "   ", "what's the weather like", "tell me a joke"} {
		if m, ok := Detect(text); ok {
			t.Errorf("Detect(%q) = %+v, want no match", text, m)
		}
	}
}

func TestActionsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range Actions() {
		if seen[a] {
			t.Errorf("duplicate action %s", a)
		}
		seen[a] = true
	}
	if !seen["open_chat"] || !seen["toggle_flashlight"] {
		t.Errorf("actions = %v", Actions())
	}
}
