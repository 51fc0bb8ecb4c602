package managers_test

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

// fakeAPI answers calls by endpoint and records every call it sees.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []dispatch.Call
	results map[string]dispatch.Result
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{results: make(map[string]dispatch.Result)}
}

func (f *fakeAPI) on(endpoint string, res dispatch.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[endpoint] = res
}

func (f *fakeAPI) Execute(_ context.Context, call dispatch.Call) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if res, ok := f.results[call.Endpoint]; ok {
		return res
	}
	return dispatch.Result{Kind: dispatch.KindSuccess, Payload: json.RawMessage(`{}`)}
}

func (f *fakeAPI) Calls() []dispatch.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Call(nil), f.calls...)
}

func (f *fakeAPI) Last() dispatch.Call {
	calls := f.Calls()
	return calls[len(calls)-1]
}

func payload(s string) dispatch.Result {
	return dispatch.Result{Kind: dispatch.KindSuccess, Payload: json.RawMessage(s)}
}

func failed(kind dispatch.ErrorKind) dispatch.Result {
	return dispatch.Result{Kind: dispatch.KindFailure, Err: &dispatch.Error{Kind: kind}}
}

func bodyJSON(call dispatch.Call) string {
	data, err := json.Marshal(call.Body)
	if err != nil {
		panic(err)
	}
	return string(data)
}
