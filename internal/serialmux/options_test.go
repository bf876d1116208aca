package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.BaudRate != 115200 {
		t.Errorf("default baud rate = %d, want 115200", opts.BaudRate)
	}
	if opts.DataBits != 8 {
		t.Errorf("default data bits = %d, want 8", opts.DataBits)
	}
	if opts.StopBits != 1 {
		t.Errorf("default stop bits = %d, want 1", opts.StopBits)
	}
	if opts.Parity != "N" {
		t.Errorf("default parity = %q, want N", opts.Parity)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits too small", PortOptions{DataBits: 4}},
		{"data bits too large", PortOptions{DataBits: 9}},
		{"bad stop bits", PortOptions{StopBits: 3}},
		{"bad parity", PortOptions{Parity: "X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) succeeded, want error", tt.opts)
			}
		})
	}
}

func TestPortOptions_Normalize_ParityAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"none", "N"},
		{"EVEN", "E"},
		{"odd", "O"},
		{" n ", "N"},
	}

	for _, tt := range tests {
		opts, err := PortOptions{Parity: tt.in}.Normalize()
		if err != nil {
			t.Errorf("Normalize parity %q failed: %v", tt.in, err)
			continue
		}
		if opts.Parity != tt.want {
			t.Errorf("parity %q normalized to %q, want %q", tt.in, opts.Parity, tt.want)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{BaudRate: 115200, Parity: "none"}
	b := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if !a.Equal(b) {
		t.Error("expected normalized options to compare equal")
	}

	c := PortOptions{BaudRate: 9600}
	if a.Equal(c) {
		t.Error("expected differing baud rates to compare unequal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, Parity: "E"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode failed: %v", err)
	}
	if mode.BaudRate != 115200 {
		t.Errorf("mode baud rate = %d, want 115200", mode.BaudRate)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("mode parity = %v, want even", mode.Parity)
	}
}
