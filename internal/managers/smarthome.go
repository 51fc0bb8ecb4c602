package managers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

const (
	ResourceSmartHome  = "smarthome"
	smartHomeListKey   = "smarthome:entities"
	smartHomeSkillID   = "amzn1.ask.1p.smarthome"
	smartHomeEntityTTL = 3600
)

type Entity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Type        string `json:"entityType,omitempty"`
	Description string `json:"description,omitempty"`
}

type SmartHome struct {
	api dispatch.ApiExecutor
}

func NewSmartHome(api dispatch.ApiExecutor) *SmartHome {
	return &SmartHome{api: api}
}

func (m *SmartHome) List(ctx context.Context) ([]Entity, Source, error) {
	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/behaviors/entities",
		Params:   url.Values{"skillId": {smartHomeSkillID}},
		CacheKey: smartHomeListKey,
		CacheTTL: smartHomeEntityTTL,
		Resource: ResourceSmartHome,
	})
	return decode[[]Entity](res)
}

func (m *SmartHome) TurnOn(ctx context.Context, name string) error {
	return m.control(ctx, name, "turnOn")
}

func (m *SmartHome) TurnOff(ctx context.Context, name string) error {
	return m.control(ctx, name, "turnOff")
}

func (m *SmartHome) control(ctx context.Context, name, action string) error {
	entities, _, err := m.List(ctx)
	if err != nil {
		return err
	}

	var target *Entity
	for i := range entities {
		if matchName(entities[i].DisplayName, name) {
			target = &entities[i]
			break
		}
	}
	if target == nil {
		return notFound(ErrEntityNotFound, name)
	}

	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodPut,
		Endpoint: "/api/phoenix/state",
		Body: map[string]any{
			"controlRequests": []map[string]any{{
				"entityId":   target.ID,
				"entityType": "APPLIANCE",
				"parameters": map[string]string{"action": action},
			}},
		},
		Resource: ResourceSmartHome,
	})
	if err := command(res); err != nil {
		return fmt.Errorf("%s %s: %w", action, target.DisplayName, err)
	}
	return nil
}
