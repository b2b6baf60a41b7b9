package models

import "encoding/json"

// ChatMessage is one entry of a chat completion request/response "messages"
// array. Only Role and Content are modeled by Reservoir, and Content must
// be a JSON string (array-valued content fails to decode); every other
// field of the message (tool calls, names, ...) is passed through
// untouched via RawJSON.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// RawJSON preserves the original encoding of the message, including
	// any fields ChatMessage does not model, so re-marshaling never drops
	// client data.
	RawJSON json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields while retaining the full
// original object for lossless re-encoding.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias ChatMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ChatMessage(a)
	m.RawJSON = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the original object, patching in Role/Content in
// case they were mutated (e.g. by truncation or enrichment construction).
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.RawJSON) == 0 {
		type alias ChatMessage
		return json.Marshal(alias{Role: m.Role, Content: m.Content})
	}
	var patched map[string]interface{}
	if err := json.Unmarshal(m.RawJSON, &patched); err != nil {
		type alias ChatMessage
		return json.Marshal(alias{Role: m.Role, Content: m.Content})
	}
	patched["role"] = m.Role
	patched["content"] = m.Content
	return json.Marshal(patched)
}

// ChatCompletionRequest is the OpenAI-shaped request body. Unknown
// top-level fields are preserved in Extra and re-emitted on forward.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   *bool         `json:"stream,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the modeled fields and stashes everything else
// in Extra, so passthrough fields survive re-encoding untouched.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias ChatCompletionRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "model")
	delete(raw, "messages")
	delete(raw, "stream")
	a.Extra = raw
	*r = ChatCompletionRequest(a)
	return nil
}

// MarshalJSON re-emits the modeled fields merged with Extra.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	modelJSON, err := json.Marshal(r.Model)
	if err != nil {
		return nil, err
	}
	out["model"] = modelJSON

	msgsJSON, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, err
	}
	out["messages"] = msgsJSON

	if r.Stream != nil {
		streamJSON, err := json.Marshal(*r.Stream)
		if err != nil {
			return nil, err
		}
		out["stream"] = streamJSON
	}
	return json.Marshal(out)
}

// LastUserMessage returns the index of the final message with role
// "user", or -1 if there is none.
func (r *ChatCompletionRequest) LastUserMessage() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == string(RoleUser) {
			return i
		}
	}
	return -1
}

// WantsStream reports whether the client asked for a streamed response.
func (r *ChatCompletionRequest) WantsStream() bool {
	return r.Stream != nil && *r.Stream
}

// ChatCompletionChoice is one entry of a chat completion response's
// "choices" array; Reservoir only reads Message out of it.
type ChatCompletionChoice struct {
	Index   int         `json:"index"`
	Message ChatMessage `json:"message"`
}

// ChatCompletionResponse is the minimal shape Reservoir parses out of an
// upstream response in order to persist the assistant's reply. The
// response body returned to the client is always the raw upstream bytes,
// never a re-encoding of this struct.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
}

// FirstMessage returns the message of the first choice, if any.
func (r *ChatCompletionResponse) FirstMessage() (ChatMessage, bool) {
	if len(r.Choices) == 0 {
		return ChatMessage{}, false
	}
	return r.Choices[0].Message, true
}

// ErrorBody is the OpenAI-shaped error envelope Reservoir emits on
// pipeline failure.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the body of an ErrorBody.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}
