package managers

import (
	"context"
	"net/http"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

const (
	ResourceRoutines = "routines"
	routinesListKey  = "routines:list"
)

type Routine struct {
	ID       string `json:"automationId"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Sequence string `json:"sequence,omitempty"`
}

type Routines struct {
	api dispatch.ApiExecutor
}

func NewRoutines(api dispatch.ApiExecutor) *Routines {
	return &Routines{api: api}
}

func (m *Routines) List(ctx context.Context) ([]Routine, Source, error) {
	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/behaviors/v2/automations",
		CacheKey: routinesListKey,
		Resource: ResourceRoutines,
	})
	return decode[[]Routine](res)
}

// Run triggers the routine with the given name.
func (m *Routines) Run(ctx context.Context, name string) error {
	routines, _, err := m.List(ctx)
	if err != nil {
		return err
	}

	for _, r := range routines {
		if !matchName(r.Name, name) {
			continue
		}
		return command(m.api.Execute(ctx, dispatch.Call{
			Method:   http.MethodPost,
			Endpoint: "/api/behaviors/preview",
			Body: map[string]string{
				"behaviorId":   r.ID,
				"sequenceJson": r.Sequence,
				"status":       "ENABLED",
			},
			Resource: ResourceRoutines,
		}))
	}
	return notFound(ErrRoutineNotFound, name)
}
