package ui

import (
	"fmt"
	"sort"
)

// Readiness levels of HTMLMediaElement.readyState.
const (
	HaveCurrentData = 2
	HaveFutureData  = 3
	HaveEnoughData  = 4
)

// Markup is the selector set and liveness rule for one version of the
// call-entry page.
type Markup struct {
	Name string

	// EntryPath is appended to the base URL to reach the form.
	EntryPath string

	AppIDInput   string
	TokenInput   string
	ChannelInput string
	UserIDInput  string
	JoinButton   string
	LeaveButton  string
	SuccessAlert string
	SuccessText  string

	LocalWrapper string
	LocalVideo   string

	RemoteWrappers string
	RemoteVideo    string
	// RemoteVideoFormat is formatted with one participant id.
	RemoteVideoFormat string
	// RemoteWrapperPrefix is stripped from wrapper ids to get participant ids.
	RemoteWrapperPrefix string

	VideoGrid string

	// MinReadyState is the lowest readyState that counts as playing. The two
	// page versions disagree (4 vs 3), so it travels with the markup and can
	// be overridden.
	MinReadyState int
}

var formInputs = Markup{
	AppIDInput:          `input[placeholder="Enter the appid"]`,
	TokenInput:          `input[placeholder="Enter the app token"]`,
	ChannelInput:        `input[placeholder="Enter the channel name"]`,
	UserIDInput:         `input[placeholder="Enter the user ID"]`,
	JoinButton:          `#join`,
	LeaveButton:         `#leave`,
	SuccessAlert:        `[role="alert"]`,
	SuccessText:         "Joined room successfully",
	LocalWrapper:        `#local-player`,
	RemoteWrappers:      `#remote-playerlist > div[id^="player-wrapper-"]`,
	RemoteWrapperPrefix: "player-wrapper-",
	VideoGrid:           `.video-group`,
}

// BasicMarkup is the original basicVideoCall page served under its own path.
func BasicMarkup() Markup {
	m := formInputs
	m.Name = "basic"
	m.EntryPath = "/basicVideoCall/index.html"
	m.LocalVideo = `#local-player video.agora_video_player`
	m.RemoteVideo = `#remote-playerlist video.agora_video_player`
	m.RemoteVideoFormat = `#player-wrapper-%s video.agora_video_player`
	m.MinReadyState = HaveEnoughData
	return m
}

// GridMarkup is the later page revision where the base URL is the form and
// player classes can sit on any element.
func GridMarkup() Markup {
	m := formInputs
	m.Name = "grid"
	m.EntryPath = ""
	m.LocalVideo = `#local-player .agora_video_player`
	m.RemoteVideo = `#remote-playerlist .agora_video_player`
	m.RemoteVideoFormat = `#player-wrapper-%s .agora_video_player`
	m.MinReadyState = HaveFutureData
	return m
}

var markups = map[string]func() Markup{
	"basic": BasicMarkup,
	"grid":  GridMarkup,
}

// MarkupByName returns a preset by name.
func MarkupByName(name string) (Markup, error) {
	fn, ok := markups[name]
	if !ok {
		names := make([]string, 0, len(markups))
		for n := range markups {
			names = append(names, n)
		}
		sort.Strings(names)
		return Markup{}, fmt.Errorf("unknown markup %q (known: %v)", name, names)
	}
	return fn(), nil
}
