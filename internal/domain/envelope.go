package domain

import (
	"encoding/json"
	"fmt"
)

// PayloadType is the wire discriminator of an envelope payload.
type PayloadType string

const (
	PayloadBootRequest                  PayloadType = "boot_request"
	PayloadBootResponse                 PayloadType = "boot_response"
	PayloadTerminateRequest             PayloadType = "terminate_request"
	PayloadTerminateResponse            PayloadType = "terminate_response"
	PayloadCallTemplateFunctionRequest  PayloadType = "call_template_function_request"
	PayloadCallTemplateFunctionResponse PayloadType = "call_template_function_response"
	PayloadImportRequest                PayloadType = "import_request"
	PayloadImportResponse               PayloadType = "import_response"
	PayloadGetThemesRequest             PayloadType = "get_themes_request"
	PayloadGetThemesResponse            PayloadType = "get_themes_response"
	PayloadShowToastRequest             PayloadType = "show_toast_request"
	PayloadReloadNotification           PayloadType = "reload_notification"
	PayloadErrorResponse                PayloadType = "error_response"
	PayloadEmptyResponse                PayloadType = "empty_response"
)

// Payload is the closed set of envelope bodies. Only types in this package
// implement it, so a type switch over the kinds below is exhaustive.
type Payload interface {
	PayloadType() PayloadType
	isPayload()
}

type BootRequest struct {
	Directory string `json:"dir"`
}

type BootResponse struct {
	BootMetadata
}

type TerminateRequest struct{}

type TerminateResponse struct{}

type CallTemplateFunctionRequest struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args"`
}

type CallTemplateFunctionResponse struct {
	Value *string `json:"value"`
}

type ImportRequest struct {
	Content string `json:"content"`
}

// ImportResponse carries the imported resources, or nothing when the plugin
// does not recognize the content.
type ImportResponse struct {
	Resources json.RawMessage `json:"resources,omitempty"`
}

type GetThemesRequest struct{}

type Theme struct {
	ID     string            `json:"id"`
	Label  string            `json:"label"`
	Dark   bool              `json:"dark"`
	Colors map[string]string `json:"colors,omitempty"`
}

type GetThemesResponse struct {
	Themes []Theme `json:"themes"`
}

type ShowToastRequest struct {
	Message string `json:"message"`
	Color   string `json:"color,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Timeout int    `json:"timeout,omitempty"` // milliseconds
}

type ReloadNotification struct{}

type ErrorResponse struct {
	Error string `json:"error"`
}

type EmptyResponse struct{}

func (BootRequest) PayloadType() PayloadType                  { return PayloadBootRequest }
func (BootResponse) PayloadType() PayloadType                 { return PayloadBootResponse }
func (TerminateRequest) PayloadType() PayloadType             { return PayloadTerminateRequest }
func (TerminateResponse) PayloadType() PayloadType            { return PayloadTerminateResponse }
func (CallTemplateFunctionRequest) PayloadType() PayloadType  { return PayloadCallTemplateFunctionRequest }
func (CallTemplateFunctionResponse) PayloadType() PayloadType { return PayloadCallTemplateFunctionResponse }
func (ImportRequest) PayloadType() PayloadType                { return PayloadImportRequest }
func (ImportResponse) PayloadType() PayloadType               { return PayloadImportResponse }
func (GetThemesRequest) PayloadType() PayloadType             { return PayloadGetThemesRequest }
func (GetThemesResponse) PayloadType() PayloadType            { return PayloadGetThemesResponse }
func (ShowToastRequest) PayloadType() PayloadType             { return PayloadShowToastRequest }
func (ReloadNotification) PayloadType() PayloadType           { return PayloadReloadNotification }
func (ErrorResponse) PayloadType() PayloadType                { return PayloadErrorResponse }
func (EmptyResponse) PayloadType() PayloadType                { return PayloadEmptyResponse }

func (BootRequest) isPayload()                  {}
func (BootResponse) isPayload()                 {}
func (TerminateRequest) isPayload()             {}
func (TerminateResponse) isPayload()            {}
func (CallTemplateFunctionRequest) isPayload()  {}
func (CallTemplateFunctionResponse) isPayload() {}
func (ImportRequest) isPayload()                {}
func (ImportResponse) isPayload()               {}
func (GetThemesRequest) isPayload()             {}
func (GetThemesResponse) isPayload()            {}
func (ShowToastRequest) isPayload()             {}
func (ReloadNotification) isPayload()           {}
func (ErrorResponse) isPayload()                {}
func (EmptyResponse) isPayload()                {}

// Envelope is one message on the host/runtime wire protocol.
type Envelope struct {
	ID          string
	PluginRefID string
	PluginName  string
	ReplyID     string // set when this envelope answers an earlier request
	Payload     Payload
	Context     *PluginContext
}

// IsReply reports whether the envelope answers an earlier request.
func (e *Envelope) IsReply() bool { return e.ReplyID != "" }

type envelopeWire struct {
	ID          string          `json:"id"`
	PluginRefID string          `json:"pluginRefId"`
	PluginName  string          `json:"pluginName"`
	ReplyID     string          `json:"replyId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Context     *PluginContext  `json:"context,omitempty"`
}

// MarshalJSON encodes the payload as an object tagged with its "type".
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s: nil payload", e.ID)
	}
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		ID:          e.ID,
		PluginRefID: e.PluginRefID,
		PluginName:  e.PluginName,
		ReplyID:     e.ReplyID,
		Payload:     payload,
		Context:     e.Context,
	})
}

// UnmarshalJSON decodes an envelope. Unknown payload types are rejected.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return fmt.Errorf("envelope %s: missing payload", w.ID)
	}
	p, err := unmarshalPayload(w.Payload)
	if err != nil {
		return fmt.Errorf("envelope %s: %w", w.ID, err)
	}
	*e = Envelope{
		ID:          w.ID,
		PluginRefID: w.PluginRefID,
		PluginName:  w.PluginName,
		ReplyID:     w.ReplyID,
		Payload:     p,
		Context:     w.Context,
	}
	return nil
}

func marshalPayload(p Payload) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.PayloadType(), err)
	}
	tag, _ := json.Marshal(string(p.PayloadType()))

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func unmarshalPayload(data json.RawMessage) (Payload, error) {
	var probe struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case PayloadBootRequest:
		return decodeAs[BootRequest](data)
	case PayloadBootResponse:
		return decodeAs[BootResponse](data)
	case PayloadTerminateRequest:
		return TerminateRequest{}, nil
	case PayloadTerminateResponse:
		return TerminateResponse{}, nil
	case PayloadCallTemplateFunctionRequest:
		return decodeAs[CallTemplateFunctionRequest](data)
	case PayloadCallTemplateFunctionResponse:
		return decodeAs[CallTemplateFunctionResponse](data)
	case PayloadImportRequest:
		return decodeAs[ImportRequest](data)
	case PayloadImportResponse:
		return decodeAs[ImportResponse](data)
	case PayloadGetThemesRequest:
		return GetThemesRequest{}, nil
	case PayloadGetThemesResponse:
		return decodeAs[GetThemesResponse](data)
	case PayloadShowToastRequest:
		return decodeAs[ShowToastRequest](data)
	case PayloadReloadNotification:
		return ReloadNotification{}, nil
	case PayloadErrorResponse:
		return decodeAs[ErrorResponse](data)
	case PayloadEmptyResponse:
		return EmptyResponse{}, nil
	case "":
		return nil, fmt.Errorf("payload has no type")
	default:
		return nil, fmt.Errorf("unknown payload type %q", probe.Type)
	}
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.PayloadType(), err)
	}
	return v, nil
}
