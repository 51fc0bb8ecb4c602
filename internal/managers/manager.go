package managers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrRoutineNotFound = errors.New("routine not found")
	ErrEntityNotFound  = errors.New("smart home entity not found")
)

// Source describes how read data was obtained. Reason is set when cached
// data was served in place of a live call.
type Source struct {
	Stale   bool            `json:"stale"`
	Expired bool            `json:"expired"`
	Cached  bool            `json:"cached"`
	Reason  *dispatch.Error `json:"-"`
}

func sourceOf(res dispatch.Result) Source {
	src := Source{Stale: res.Stale, Expired: res.Expired, Cached: res.FromCache || res.Stale}
	if res.Kind == dispatch.KindCachedFallback {
		src.Reason = res.Err
	}
	return src
}

func decode[T any](res dispatch.Result) (T, Source, error) {
	var out T
	if err := res.Decode(&out); err != nil {
		return out, sourceOf(res), err
	}
	return out, sourceOf(res), nil
}

// command returns the failure of a mutation, if any.
func command(res dispatch.Result) error {
	return res.Error()
}

func matchName(candidate, want string) bool {
	return strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(want))
}

func notFound(err error, name string) error {
	return fmt.Errorf("%w: %q", err, name)
}
