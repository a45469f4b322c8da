package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestParseDevices(t *testing.T) {
	output := `List of devices attached
* daemon started successfully
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 device:emu64x transport_id:1
R58N12ABCDE            unauthorized usb:1-1 transport_id:2
192.168.1.20:5555      offline transport_id:3
0123456789ABCDEF       no permissions (user in plugdev group; are your udev rules wrong?); see [http://developer.android.com/tools/device.html]

`
	entries := parseDevices(output)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(entries), entries)
	}

	tests := []struct {
		id     string
		signal Signal
		model  string
	}{
		{"emulator-5554", SignalOK, "sdk_gphone64_x86_64"},
		{"R58N12ABCDE", SignalUnauthorized, ""},
		{"192.168.1.20:5555", SignalOffline, ""},
		{"0123456789ABCDEF", SignalUnauthorized, ""},
	}
	for i, tt := range tests {
		e := entries[i]
		if e.ID != tt.id || e.Signal != tt.signal || e.Model != tt.model {
			t.Errorf("entry %d = %+v, want id=%s signal=%s model=%s", i, e, tt.id, tt.signal, tt.model)
		}
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"error: device unauthorized.\nThis adb server's $ADB_VENDOR_KEYS is not set", ErrUnauthorized},
		{"error: device 'abc' not found", ErrUnreachable},
		{"error: no devices/emulators found", ErrUnreachable},
		{"adb: error: device offline", ErrUnreachable},
		{"adb: error: failed to get feature set: device offline", ErrUnreachable},
		{"error: closed", ErrUnreachable},
		{"Error: Activity not started, unable to resolve Intent", nil},
		{"Error: Activity class {com.x/.Main} does not exist. not found", nil},
		{"Error: device offline", nil},
		{"cmd: Failure calling service statusbar: Broken pipe (32)", nil},
		{"/system/bin/sh: torch: not found", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := classifyStderr(tt.stderr)
		if !errors.Is(got, tt.want) && !(got == nil && tt.want == nil) {
			t.Errorf("classifyStderr(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestValidateDeviceID(t *testing.T) {
	valid := []string{"emulator-5554", "192.168.1.100:5555", "adb-R58N12-abc._adb-tls-connect._tcp.", "1234567890ABCDEF"}
	for _, id := range valid {
		if err := ValidateDeviceID(id); err != nil {
			t.Errorf("ValidateDeviceID(%q) unexpected error: %v", id, err)
		}
	}

	invalid := []string{"", "abc;rm -rf /", "dev ice", "$(reboot)", "-s", "a|b"}
	for _, id := range invalid {
		if err := ValidateDeviceID(id); err == nil {
			t.Errorf("ValidateDeviceID(%q) expected error", id)
		}
	}
}

func TestSignalFromError(t *testing.T) {
	if SignalFromError(nil) != SignalOK {
		t.Error("nil error should be ok")
	}
	if SignalFromError(errors.Join(errors.New("x"), ErrUnauthorized)) != SignalUnauthorized {
		t.Error("expected unauthorized")
	}
	if SignalFromError(ErrUnreachable) != SignalUnreachable {
		t.Error("expected unreachable")
	}
}

func TestFakeScripting(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddDevice("dev1", &FakeDevice{
		Props:     map[string]string{"ro.build.version.sdk": "30"},
		Responses: map[string]ShellResult{"wm size": {Stdout: "Physical size: 1080x2400\n"}},
	})
	f.AddDevice("dev2", &FakeDevice{Signal: SignalUnauthorized})

	v, ok, err := f.GetProperty(ctx, "dev1", "ro.build.version.sdk")
	if err != nil || !ok || v != "30" {
		t.Fatalf("GetProperty = %q %v %v", v, ok, err)
	}
	if _, ok, _ := f.GetProperty(ctx, "dev1", "ro.product.model"); ok {
		t.Error("missing property should report not present")
	}

	res, err := f.RunShell(ctx, "dev1", "wm size")
	if err != nil || res.Stdout != "Physical size: 1080x2400\n" {
		t.Fatalf("RunShell = %+v %v", res, err)
	}

	if _, err := f.RunShell(ctx, "dev2", "echo hi"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.RunShell(ctx, "ghost", "echo hi"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}

	if got := f.ShellCommands("dev1"); len(got) != 1 || got[0] != "wm size" {
		t.Errorf("ShellCommands = %v", got)
	}
	if f.CallCount("GetProperty") != 2 {
		t.Errorf("GetProperty count = %d", f.CallCount("GetProperty"))
	}

	list, _ := f.ListDevices(ctx)
	if len(list) != 2 || list[0].ID != "dev1" || list[1].Signal != SignalUnauthorized {
		t.Errorf("ListDevices = %+v", list)
	}
}

// scriptedADB writes a stand-in adb that answers `-s <id> shell <cmd>`
func scriptedADB(t *testing.T) *ADB {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	script := `#!/bin/sh
case "$2" in
gone)
  echo "error: device 'gone' not found" >&2
  exit 1 ;;
esac
case "$4" in
am*)
  echo "Starting: Intent { act=android.intent.action.VIEW }"
  echo "Error: Activity not started, unable to resolve Intent" >&2
  exit 1 ;;
esac
echo ok
`
	path := filepath.Join(t.TempDir(), "adb")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	a, err := NewADB(Config{ADBPath: path, CallTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewADB: %v", err)
	}
	return a
}

func TestRunShellKeepsRemoteErrorsAsOutput(t *testing.T) {
	a := scriptedADB(t)

	res, err := a.RunShell(context.Background(), "emulator-5554", "am start -a android.intent.action.VIEW")
	if err != nil {
		t.Fatalf("remote failure surfaced as a transport error: %v", err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stdout, "Error: Activity not started") {
		t.Errorf("result = %+v", res)
	}

	if _, err := a.RunShell(context.Background(), "gone", "echo hi"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("err = %v, want unreachable", err)
	}
}
