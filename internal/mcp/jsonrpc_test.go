package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequest_Marshal(t *testing.T) {
	data, err := json.Marshal(NewRequest(42, "tools/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), `{"jsonrpc":"2.0","id":42,"method":"tools/list"}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	data, _ = json.Marshal(NewNotification("notifications/initialized", nil))
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification carries an id: %s", data)
	}
}

func TestEnvelope_Classify(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		response bool
		request  bool
		id       int64
		numeric  bool
	}{
		{"result", `{"jsonrpc":"2.0","id":3,"result":{}}`, true, false, 3, true},
		{"error", `{"jsonrpc":"2.0","id":4,"error":{"code":-32602,"message":"bad"}}`, true, false, 4, true},
		{"string id response", `{"jsonrpc":"2.0","id":"abc","result":{}}`, true, false, 0, false},
		{"server request", `{"jsonrpc":"2.0","id":"s1","method":"ping"}`, false, true, 0, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, false, false, 0, false},
		{"null id request", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, false, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env envelope
			if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
				t.Fatal(err)
			}
			if got := env.isResponse(); got != tt.response {
				t.Errorf("isResponse() = %v, want %v", got, tt.response)
			}
			if got := env.isRequest(); got != tt.request {
				t.Errorf("isRequest() = %v, want %v", got, tt.request)
			}
			id, ok := env.numericID()
			if ok != tt.numeric || id != tt.id {
				t.Errorf("numericID() = %d, %v; want %d, %v", id, ok, tt.id, tt.numeric)
			}
		})
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: codeMethodNotFound, Message: "nope"}
	if got, want := err.Error(), "jsonrpc error -32601: nope"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
