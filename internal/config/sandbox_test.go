package config

import (
	"testing"
)

func TestNewSandboxedVM(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"string library allowed", `x = string.upper("hello")`, false},
		{"table library allowed", `t = {1, 2}; table.insert(t, 3)`, false},
		{"math library allowed", `x = math.max(1, 2)`, false},
		{"basic functions allowed", `x = tostring(tonumber("4"))`, false},
		{"os blocked", `os.execute("ls")`, true},
		{"os.getenv blocked", `x = os.getenv("HOME")`, true},
		{"io blocked", `f = io.open("/etc/passwd")`, true},
		{"require blocked", `require("socket")`, true},
		{"dofile blocked", `dofile("/tmp/x.lua")`, true},
		{"loadstring blocked", `loadstring("return 1")()`, true},
		{"debug blocked", `debug.getinfo(1)`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newSandboxedVM()
			defer L.Close()

			err := L.DoString(tt.code)
			if tt.wantErr && err == nil {
				t.Errorf("expected %q to fail in the sandbox", tt.code)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected %q to succeed, got %v", tt.code, err)
			}
		})
	}
}
