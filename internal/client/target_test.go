package client

import "testing"

func TestParseTarget(t *testing.T) {
	tests := []struct {
		input string
		want  Target
	}{
		{"camera.local", Target{Scheme: "tcp", Address: "camera.local:4747"}},
		{"  192.168.1.20:5000 ", Target{Scheme: "tcp", Address: "192.168.1.20:5000"}},
		{"tcp://10.0.0.2", Target{Scheme: "tcp", Address: "10.0.0.2:4747"}},
		{"tls://camera.local/", Target{Scheme: "tls", Address: "camera.local:4747"}},
		{"TLS://camera.local:443", Target{Scheme: "tls", Address: "camera.local:443"}},
		{"fd00::1", Target{Scheme: "tcp", Address: "[fd00::1]:4747"}},
		{"[fd00::1]", Target{Scheme: "tcp", Address: "[fd00::1]:4747"}},
		{"[fd00::1]:9000", Target{Scheme: "tcp", Address: "[fd00::1]:9000"}},
		{"wss://example.com/p2pcam", Target{Scheme: "wss", URL: "wss://example.com/p2pcam"}},
		{"ws://127.0.0.1:8080", Target{Scheme: "ws", URL: "ws://127.0.0.1:8080"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTarget(tt.input)
			if err != nil {
				t.Fatalf("ParseTarget(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	for _, input := range []string{"", "   ", "http://camera", "tcp://camera/path", "ws://"} {
		t.Run(input, func(t *testing.T) {
			if _, err := ParseTarget(input); err == nil {
				t.Errorf("ParseTarget(%q) succeeded, want error", input)
			}
		})
	}
}
