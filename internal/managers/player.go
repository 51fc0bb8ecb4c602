package managers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

const (
	ResourceMusic  = "music"
	playerStateTTL = 10
)

type PlayerState struct {
	State    string `json:"state"`
	Volume   int    `json:"volume"`
	Muted    bool   `json:"muted"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type Player struct {
	api dispatch.ApiExecutor
}

func NewPlayer(api dispatch.ApiExecutor) *Player {
	return &Player{api: api}
}

func playerStateKey(d Device) string {
	return "music:state:" + d.SerialNumber
}

func (m *Player) State(ctx context.Context, device Device) (PlayerState, Source, error) {
	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/np/player",
		Params:   device.params(),
		CacheKey: playerStateKey(device),
		CacheTTL: playerStateTTL,
		Resource: ResourceMusic,
	})

	body, src, err := decode[struct {
		PlayerInfo PlayerState `json:"playerInfo"`
	}](res)
	return body.PlayerInfo, src, err
}

func (m *Player) Play(ctx context.Context, device Device) error {
	return m.command(ctx, device, "PlayCommand")
}

func (m *Player) Pause(ctx context.Context, device Device) error {
	return m.command(ctx, device, "PauseCommand")
}

func (m *Player) Next(ctx context.Context, device Device) error {
	return m.command(ctx, device, "NextCommand")
}

func (m *Player) Previous(ctx context.Context, device Device) error {
	return m.command(ctx, device, "PreviousCommand")
}

func (m *Player) command(ctx context.Context, device Device, kind string) error {
	return command(m.api.Execute(ctx, dispatch.Call{
		Method:      http.MethodPost,
		Endpoint:    "/api/np/command",
		Params:      device.params(),
		Body:        map[string]string{"type": kind},
		Resource:    ResourceMusic,
		Invalidates: []string{playerStateKey(device)},
	}))
}

// PlaySearch asks the device to play the result of a search phrase on the
// given music provider.
func (m *Player) PlaySearch(ctx context.Context, device Device, phrase, provider string) error {
	if phrase == "" {
		return fmt.Errorf("empty search phrase")
	}
	if provider == "" {
		provider = "AMAZON_MUSIC"
	}

	body, err := previewBody("PREVIEW", sequence{
		Type: "Alexa.Music.PlaySearchPhrase",
		Parameters: map[string]any{
			"deviceType":         device.DeviceType,
			"deviceSerialNumber": device.SerialNumber,
			"searchPhrase":       phrase,
			"musicProviderId":    provider,
		},
	})
	if err != nil {
		return err
	}

	return command(m.api.Execute(ctx, dispatch.Call{
		Method:      http.MethodPost,
		Endpoint:    "/api/behaviors/preview",
		Body:        body,
		Resource:    ResourceMusic,
		Invalidates: []string{playerStateKey(device)},
	}))
}
