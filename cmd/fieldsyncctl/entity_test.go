package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadPayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.json")
	if err := os.WriteFile(file, []byte(`{"name":"from file"}`), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    string
		file    string
		stdin   string
		want    string
		wantErr string
	}{
		{name: "data flag", data: `{"name":"Ana"}`, want: `{"name":"Ana"}`},
		{name: "file", file: file, want: `{"name":"from file"}`},
		{name: "stdin", file: "-", stdin: `{"name":"piped"}`, want: `{"name":"piped"}`},
		{name: "both", data: `{}`, file: file, wantErr: "not both"},
		{name: "neither", wantErr: "payload is required"},
		{name: "invalid json", data: `{"name":`, wantErr: "not valid JSON"},
		{name: "missing file", file: filepath.Join(t.TempDir(), "nope.json"), wantErr: "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataFlag, fileFlag = tt.data, tt.file
			t.Cleanup(func() { dataFlag, fileFlag = "", "" })

			got, err := readPayload(strings.NewReader(tt.stdin))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("readPayload() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("readPayload() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("readPayload() = %s, want %s", got, tt.want)
			}
		})
	}
}
