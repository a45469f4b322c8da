// Package intent maps short spoken or typed phrases onto action requests.
package intent

import (
	"regexp"
	"strings"
)

// Match is a detected action with its parameters
type Match struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type rule struct {
	pattern *regexp.Regexp
	action  string
	params  func(groups []string) map[string]string
}

var directions = map[string]string{
	"up": "up", "raise": "up", "increase": "up", "turn up": "up", "max": "up",
	"down": "down", "low": "down", "lower": "down", "decrease": "down", "turn down": "down",
	"mute": "mute",
}

var onOff = map[string]string{
	"turn on": "on", "enable": "on", "switch on": "on",
	"turn off": "off", "disable": "off", "switch off": "off",
}

var settingsSections = map[string]string{
	"":                 "main",
	"wifi":             "wifi",
	"wi-fi":            "wifi",
	"bluetooth":        "bluetooth",
	"display":          "display",
	"sound":            "sound",
	"battery":          "battery",
	"storage":          "storage",
	"security":         "security",
	"location":         "location",
	"apps":             "apps",
	"about":            "about",
	"accessibility":    "accessibility",
	"language":         "language",
	"airplane mode":    "airplane",
	"hotspot":          "hotspot",
	"do not disturb":   "dnd",
	"developer":        "about",
	"developer option": "about",
}

var mediaCommands = map[string]string{
	"pause": "pause", "resume": "play", "play": "play", "stop": "stop",
	"next": "next", "skip": "next", "previous": "previous",
}

// rules are tried in order; specific phrasings come before the generic open/close ones
var rules = []rule{
	{
		pattern: regexp.MustCompile(`(?:send (?:a )?message to|message|open (?:the )?chat with|chat with|text) (.+?)(?: on (whatsapp business|whatsapp|telegram|signal|messages))?$`),
		action:  "open_chat",
		params: func(g []string) map[string]string {
			p := map[string]string{"contact": g[1]}
			if g[2] != "" {
				p["app"] = g[2]
			}
			return p
		},
	},
	{
		pattern: regexp.MustCompile(`(?:search|play|find) (?:for )?(.+) on youtube`),
		action:  "search_youtube",
		params:  func(g []string) map[string]string { return map[string]string{"query": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`\b(?:end|hang up|disconnect) (?:the )?(?:call|phone)`),
		action:  "end_call",
	},
	{
		pattern: regexp.MustCompile(`(turn up|turn down|up|down|low|lower|raise|mute|max|increase|decrease) (?:the )?volume`),
		action:  "set_volume",
		params:  func(g []string) map[string]string { return map[string]string{"direction": directions[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`volume (up|down)`),
		action:  "set_volume",
		params:  func(g []string) map[string]string { return map[string]string{"direction": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`(?:turn on|turn off|enable|disable|switch on|switch off|toggle) (?:the )?(?:flashlight|torch|flash light)`),
		action:  "toggle_flashlight",
	},
	{
		pattern: regexp.MustCompile(`(?:set|turn|low|raise|increase|decrease|change) (?:the )?brightness(?: to)? (\d{1,3})\s*(?:%|percent)?`),
		action:  "set_brightness",
		params:  func(g []string) map[string]string { return map[string]string{"level": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`(turn on|turn off|enable|disable|switch on|switch off) (?:the )?(?:wi-?fi |mobile )?hotspot`),
		action:  "toggle_hotspot",
		params:  func(g []string) map[string]string { return map[string]string{"state": onOff[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(turn on|turn off|enable|disable|switch on|switch off) (?:the )?(?:airplane|aeroplane|flight) mode`),
		action:  "toggle_airplane_mode",
		params:  func(g []string) map[string]string { return map[string]string{"state": onOff[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(turn on|turn off|enable|disable|switch on|switch off) (?:the )?(?:do not disturb|dnd)`),
		action:  "toggle_dnd",
		params:  func(g []string) map[string]string { return map[string]string{"state": onOff[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(turn on|turn off|enable|disable|switch on|switch off) (?:the )?wi-?fi`),
		action:  "toggle_wifi",
		params:  func(g []string) map[string]string { return map[string]string{"state": onOff[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(turn on|turn off|enable|disable|switch on|switch off) (?:the )?bluetooth`),
		action:  "toggle_bluetooth",
		params:  func(g []string) map[string]string { return map[string]string{"state": onOff[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(?:take|capture) (?:a )?screen ?shot`),
		action:  "take_screenshot",
	},
	{
		pattern: regexp.MustCompile(`unlock (?:the )?(?:device|phone|screen|tablet)`),
		action:  "unlock_device",
	},
	{
		pattern: regexp.MustCompile(`lock (?:the )?(?:device|phone|screen|tablet)`),
		action:  "lock_device",
	},
	{
		pattern: regexp.MustCompile(`(pause|resume|play|stop) (?:the )?(?:music|video|media|song)`),
		action:  "media_control",
		params:  func(g []string) map[string]string { return map[string]string{"command": mediaCommands[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(next|skip|previous) (?:the )?(?:track|song|video)`),
		action:  "media_control",
		params:  func(g []string) map[string]string { return map[string]string{"command": mediaCommands[g[1]]} },
	},
	{
		pattern: regexp.MustCompile(`(?:navigate|directions|take me) to (.+)$`),
		action:  "navigate_to",
		params:  func(g []string) map[string]string { return map[string]string{"destination": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`(?:call|dial) (\+?[0-9][0-9 \-]{2,})$`),
		action:  "call_contact",
		params: func(g []string) map[string]string {
			number := strings.NewReplacer(" ", "", "-", "").Replace(g[1])
			return map[string]string{"number": number}
		},
	},
	{
		pattern: regexp.MustCompile(`(?:clear|dismiss) (?:all )?(?:the |my )?notifications`),
		action:  "clear_notifications",
	},
	{
		pattern: regexp.MustCompile(`(?:open|show|pull down|check) (?:the |my )?notifications`),
		action:  "open_notifications",
	},
	{
		pattern: regexp.MustCompile(`go (?:to )?(?:the )?home(?: screen)?`),
		action:  "go_home",
	},
	{
		pattern: regexp.MustCompile(`scroll (up|down)`),
		action:  "scroll",
		params:  func(g []string) map[string]string { return map[string]string{"direction": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`^open (?:the )?(airplane mode|hotspot|do not disturb)$`),
		action:  "open_settings",
		params: func(g []string) map[string]string {
			return map[string]string{"section": settingsSections[g[1]]}
		},
	},
	{
		pattern: regexp.MustCompile(`open (?:the )?(?:(wi-?fi|bluetooth|display|sound|battery|storage|security|location|apps|about|accessibility|language|airplane mode|hotspot|do not disturb|developer options?) )?settings`),
		action:  "open_settings",
		params: func(g []string) map[string]string {
			return map[string]string{"section": settingsSections[g[1]]}
		},
	},
	{
		pattern: regexp.MustCompile(`\b(?:uninstall|remove) (?:the )?(.+?)(?: app)?$`),
		action:  "uninstall_app",
		params:  func(g []string) map[string]string { return map[string]string{"app": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`(?:close|force stop|quit|kill) (?:the )?(.+?)(?: app)?$`),
		action:  "close_app",
		params:  func(g []string) map[string]string { return map[string]string{"app": g[1]} },
	},
	{
		pattern: regexp.MustCompile(`(?:open|launch|start) (?:the )?(.+?)(?: app)?$`),
		action:  "open_app",
		params:  func(g []string) map[string]string { return map[string]string{"app": g[1]} },
	},
}

// Detect returns the first action whose phrasing appears in text
func Detect(text string) (Match, bool) {
	text = normalize(text)
	if text == "" {
		return Match{}, false
	}
	for _, r := range rules {
		groups := r.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		m := Match{Action: r.action}
		if r.params != nil {
			m.Params = r.params(groups)
		}
		return m, true
	}
	return Match{}, false
}

// Actions lists every action a phrase can map to, in rule order without duplicates
func Actions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		if !seen[r.action] {
			seen[r.action] = true
			out = append(out, r.action)
		}
	}
	return out
}

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.TrimRight(text, ".!?, ")
	text = strings.TrimPrefix(text, "please ")
	text = strings.TrimSuffix(text, " please")
	return strings.Join(strings.Fields(text), " ")
}
