package screenshot

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

func TestDetectInput(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		explicit InputType
		want     InputType
		wantErr  bool
	}{
		{"buffer", []byte{0x89, 0x50}, "", InputBuffer, false},
		{"empty buffer", []byte{}, "", "", true},
		{"empty string", "", "", "", true},
		{"non-string", 42, "", "", true},
		{"data uri", "data:image/png;base64,iVBOR", "", InputBase64, false},
		{"jpeg prefix", "/9j/4AAQSkZJRg", "", InputBase64, false},
		{"long base64", strings.Repeat("A", 1200), "", InputBase64, false},
		{"absolute path", "/tmp/shot.png", "", InputFilePath, false},
		{"relative path", "./shots/home.png", "", InputFilePath, false},
		{"parent path", "../shots/home.png", "", InputFilePath, false},
		{"extension only", "home.png", "", InputFilePath, false},
		{"short base64", "aGVsbG8=", "", InputBase64, false},
		{"ambiguous", "not base64 not path!!", "", "", true},
		{"explicit wins", "home.png", InputBase64, InputBase64, false},
		{"unknown explicit", "x", InputType("nope"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DetectInput(tt.value, tt.explicit)
			if tt.wantErr {
				if !vzerrors.IsKind(err, vzerrors.ValidationError) {
					t.Fatalf("DetectInput() = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectInput() error: %v", err)
			}
			if in.Type != tt.want {
				t.Errorf("DetectInput() type = %s, want %s", in.Type, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	payload := []byte("pretend this is a png")

	t.Run("buffer", func(t *testing.T) {
		in := &Input{Type: InputBuffer, Data: payload}
		got, err := in.Resolve()
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("Resolve() = %q, %v", got, err)
		}
	})

	t.Run("base64", func(t *testing.T) {
		in := &Input{Type: InputBase64, Value: base64.StdEncoding.EncodeToString(payload)}
		got, err := in.Resolve()
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("Resolve() = %q, %v", got, err)
		}
	})

	t.Run("data uri", func(t *testing.T) {
		in := &Input{Type: InputBase64, Value: "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)}
		got, err := in.Resolve()
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("Resolve() = %q, %v", got, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shot.png")
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			t.Fatal(err)
		}
		in := &Input{Type: InputFilePath, Value: path}
		got, err := in.Resolve()
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("Resolve() = %q, %v", got, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		in := &Input{Type: InputFilePath, Value: filepath.Join(t.TempDir(), "nope.png")}
		if _, err := in.Resolve(); !vzerrors.IsKind(err, vzerrors.IOError) {
			t.Errorf("Resolve() = %v, want io error", err)
		}
	})
}
