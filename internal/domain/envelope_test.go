package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshal_TagsPayload(t *testing.T) {
	env := Envelope{
		ID:          "m1",
		PluginRefID: "r1",
		PluginName:  "hello",
		Payload:     BootRequest{Directory: "/plugins/hello"},
		Context:     &PluginContext{WorkspaceID: "wrk_1", Label: "main"},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "m1", raw["id"])
	assert.Equal(t, "r1", raw["pluginRefId"])
	assert.NotContains(t, raw, "replyId")

	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "boot_request", payload["type"])
	assert.Equal(t, "/plugins/hello", payload["dir"])
}

func TestEnvelopeMarshal_EmptyPayload(t *testing.T) {
	data, err := json.Marshal(Envelope{ID: "m2", Payload: TerminateRequest{}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{"type":"terminate_request"}`)
}

func TestEnvelopeMarshal_NilPayload(t *testing.T) {
	_, err := json.Marshal(Envelope{ID: "m3"})
	assert.Error(t, err)
}

func TestEnvelopeUnmarshal_BootResponse(t *testing.T) {
	in := `{"id":"a","pluginRefId":"r","pluginName":"p","replyId":"m1",
		"payload":{"type":"boot_response","name":"p","version":"1.0.0","templateFunctions":["hash"]}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(in), &env))
	assert.True(t, env.IsReply())
	assert.Nil(t, env.Context)

	resp, ok := env.Payload.(BootResponse)
	require.True(t, ok, "payload type %T", env.Payload)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.True(t, resp.HasTemplateFunction("hash"))
	assert.False(t, resp.HasTemplateFunction("other"))
}

func TestEnvelopeUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown type", `{"id":"a","payload":{"type":"launch_missiles"}}`},
		{"missing type", `{"id":"a","payload":{"value":"x"}}`},
		{"missing payload", `{"id":"a"}`},
		{"null payload", `{"id":"a","payload":null}`},
		{"bad field type", `{"id":"a","payload":{"type":"error_response","error":42}}`},
		{"not json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			assert.Error(t, json.Unmarshal([]byte(tt.in), &env))
		})
	}
}

func TestEnvelope_TypeSwitchIsExhaustive(t *testing.T) {
	all := []Payload{
		BootRequest{}, BootResponse{}, TerminateRequest{}, TerminateResponse{},
		CallTemplateFunctionRequest{}, CallTemplateFunctionResponse{},
		ImportRequest{}, ImportResponse{}, GetThemesRequest{}, GetThemesResponse{},
		ShowToastRequest{}, ReloadNotification{}, ErrorResponse{}, EmptyResponse{},
	}
	seen := make(map[PayloadType]bool)
	for _, p := range all {
		env := Envelope{ID: "x", Payload: p}
		data, err := json.Marshal(env)
		require.NoError(t, err)

		var back Envelope
		require.NoError(t, json.Unmarshal(data, &back), string(data))
		assert.Equal(t, p.PayloadType(), back.Payload.PayloadType())
		seen[p.PayloadType()] = true
	}
	assert.Len(t, seen, len(all))
}

func TestEnvelopeEventType(t *testing.T) {
	assert.Equal(t, EventType("envelope.show_toast_request"), EnvelopeEventType(PayloadShowToastRequest))
}
