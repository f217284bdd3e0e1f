package screenshot

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// InputType discriminates how an image payload should be interpreted.
type InputType string

const (
	InputBase64   InputType = "base64"
	InputFilePath InputType = "file-path"
	InputBuffer   InputType = "buffer"
)

// Input is a resolved image payload.
type Input struct {
	Type  InputType
	Value string
	Data  []byte
}

var (
	base64Re = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	imageExt = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	}
)

// DetectInput classifies an image payload. An explicit type wins; the auto
// path is a best-effort fallback that rejects ambiguous strings.
func DetectInput(value interface{}, explicit InputType) (*Input, error) {
	if data, ok := value.([]byte); ok {
		if len(data) == 0 {
			return nil, vzerrors.NewValidationError("image", "must not be empty")
		}
		return &Input{Type: InputBuffer, Data: data}, nil
	}

	s, ok := value.(string)
	if !ok || s == "" {
		return nil, vzerrors.NewValidationError("image", "must be a non-empty string or byte buffer")
	}

	switch explicit {
	case InputBase64:
		return &Input{Type: InputBase64, Value: s}, nil
	case InputFilePath:
		return &Input{Type: InputFilePath, Value: s}, nil
	case "":
	default:
		return nil, vzerrors.NewValidationError("type", "unknown image type: "+string(explicit))
	}

	switch {
	case strings.HasPrefix(s, "data:"):
		return &Input{Type: InputBase64, Value: s}, nil
	case strings.HasPrefix(s, "/9j/"), len(s) > 1000:
		return &Input{Type: InputBase64, Value: s}, nil
	case looksLikePath(s):
		return &Input{Type: InputFilePath, Value: s}, nil
	case base64Re.MatchString(s):
		return &Input{Type: InputBase64, Value: s}, nil
	}
	return nil, vzerrors.NewValidationError("image", "could not determine image input type; pass an explicit type")
}

func looksLikePath(s string) bool {
	if filepath.IsAbs(s) {
		return true
	}
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") {
		return true
	}
	if strings.ContainsAny(s, `/\`) {
		return true
	}
	return imageExt[strings.ToLower(filepath.Ext(s))]
}

// Resolve returns the raw image bytes for the input.
func (in *Input) Resolve() ([]byte, error) {
	switch in.Type {
	case InputBuffer:
		return in.Data, nil
	case InputBase64:
		payload := in.Value
		if strings.HasPrefix(payload, "data:") {
			i := strings.Index(payload, ",")
			if i < 0 {
				return nil, vzerrors.NewValidationError("image", "malformed data URI")
			}
			payload = payload[i+1:]
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, vzerrors.Wrap(err, vzerrors.ValidationError, "decoding base64 image")
		}
		return data, nil
	case InputFilePath:
		data, err := os.ReadFile(in.Value)
		if err != nil {
			return nil, vzerrors.Wrap(err, vzerrors.IOError, "reading image file")
		}
		return data, nil
	}
	return nil, vzerrors.New(vzerrors.InternalError, "unresolved image input")
}
