package mode

// Mode is the frame delivery path chosen for a run.
type Mode string

const (
	// TDD submits frames to the running local comparison server.
	TDD Mode = "tdd"
	// Cloud stages frames for upload to the remote API.
	Cloud Mode = "cloud"
	// Disabled completes the walk without submitting frames.
	Disabled Mode = "disabled"
)

// Detection is the result of mode detection for a run.
type Detection struct {
	Mode   Mode
	Server *ServerInfo // set in TDD mode
}

// Detect chooses the delivery path once per run: TDD when a live server
// sentinel exists, cloud when an API token is available, disabled
// otherwise. The choice never changes within a run.
func Detect(workspace, token string) Detection {
	if info, ok := ReadSentinel(workspace); ok {
		return Detection{Mode: TDD, Server: info}
	}
	if token != "" {
		return Detection{Mode: Cloud}
	}
	return Detection{Mode: Disabled}
}
