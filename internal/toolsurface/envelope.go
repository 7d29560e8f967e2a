// Package toolsurface implements the broker's Tool Surface (§4.H): the
// normalized request/response envelope and the nineteen named tool
// handlers (§6) that sit on top of the Registry, Task Queue, and
// Matcher. Nothing here talks to a transport directly - internal/mcpserver
// registers these handlers against whatever wire protocol it exposes.
package toolsurface

import (
	"encoding/json"

	"github.com/kdlbs/taskbroker/internal/apperrors"
)

// ContentItem is one element of an Envelope's content array, per §7.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Envelope is the normalized shape every tool call returns, per §7:
// {content:[{type:"text",text:<string>}],isError?:bool}.
type Envelope struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// text builds a successful, single-item text envelope.
func text(s string) Envelope {
	return Envelope{Content: []ContentItem{{Type: "text", Text: s}}}
}

// jsonEnvelope marshals v and wraps it as a successful text envelope. A
// marshal failure (which should never happen for the plain structs this
// package passes in) degrades to an INTERNAL error envelope rather than
// panicking.
func jsonEnvelope(v interface{}) Envelope {
	b, err := json.Marshal(v)
	if err != nil {
		return errorEnvelope(apperrors.Internal("marshal response", err))
	}
	return text(string(b))
}

// errorEnvelope renders err per the §7 error taxonomy: "[CODE] message",
// isError:true. AppError's own Message field (not its Error() string,
// which already carries the bracketed code) supplies the text.
func errorEnvelope(err error) Envelope {
	code := apperrors.CodeOf(err)
	msg := err.Error()
	if appErr, ok := err.(*apperrors.AppError); ok {
		msg = appErr.Message
	}
	return Envelope{
		Content: []ContentItem{{Type: "text", Text: "[" + code + "] " + msg}},
		IsError: true,
	}
}
