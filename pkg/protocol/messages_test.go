package protocol

import (
	"strings"
	"testing"
)

func TestParseCompletion(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "terminal result",
			body: `{"id":"abc","terminal":true,"payload":{"x":1}}`,
		},
		{
			name: "partial update",
			body: `{"id":"abc","sequence":3,"terminal":false,"payload":"chunk"}`,
		},
		{
			name: "terminal failure",
			body: `{"id":"abc","terminal":true,"error":"script error"}`,
		},
		{
			name:    "missing id",
			body:    `{"terminal":true}`,
			wantErr: "missing id",
		},
		{
			name:    "partial without sequence",
			body:    `{"id":"abc","terminal":false,"payload":"chunk"}`,
			wantErr: "missing a sequence number",
		},
		{
			name:    "not json",
			body:    `{{{`,
			wantErr: "parsing completion body",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseCompletion([]byte(c.body))
			if c.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.ID != "abc" {
					t.Errorf("id: got %q, want abc", got.ID)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, c.wantErr)
			}
		})
	}
}

func TestParseProxyRequest(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "valid",
			body: `{"tool":"run_code","args":{"command":"print(1)"},"timeout_seconds":30}`,
		},
		{
			name:    "missing tool",
			body:    `{"timeout_seconds":30}`,
			wantErr: "missing tool name",
		},
		{
			name:    "missing timeout",
			body:    `{"tool":"run_code"}`,
			wantErr: "no timeout",
		},
		{
			name:    "not json",
			body:    `nope`,
			wantErr: "parsing proxy body",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseProxyRequest([]byte(c.body))
			if c.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.Tool != "run_code" {
					t.Errorf("tool: got %q, want run_code", got.Tool)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, c.wantErr)
			}
		})
	}
}
