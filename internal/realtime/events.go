package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// EventKind enumerates the data-channel events the controller acts on.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionCreated
	EventSessionUpdated
	EventSpeechStarted
	EventSpeechStopped
	EventInputTranscriptDelta
	EventInputTranscriptCompleted
	EventInputTranscriptFailed
	EventAssistantTranscriptDelta
	EventAssistantTranscriptDone
	EventOutputAudioStarted
	EventOutputAudioStopped
	EventResponseDone
	EventError
)

var eventKinds = map[string]EventKind{
	"session.created":                                       EventSessionCreated,
	"session.updated":                                       EventSessionUpdated,
	"input_audio_buffer.speech_started":                     EventSpeechStarted,
	"input_audio_buffer.speech_stopped":                     EventSpeechStopped,
	"conversation.item.input_audio_transcription.delta":     EventInputTranscriptDelta,
	"conversation.item.input_audio_transcription.completed": EventInputTranscriptCompleted,
	"conversation.item.input_audio_transcription.failed":    EventInputTranscriptFailed,
	"response.audio_transcript.delta":                       EventAssistantTranscriptDelta,
	"response.audio_transcript.done":                        EventAssistantTranscriptDone,
	"response.text.delta":                                   EventAssistantTranscriptDelta,
	"response.text.done":                                    EventAssistantTranscriptDone,
	"output_audio_buffer.started":                           EventOutputAudioStarted,
	"output_audio_buffer.stopped":                           EventOutputAudioStopped,
	"output_audio_buffer.cleared":                           EventOutputAudioStopped,
	"response.done":                                         EventResponseDone,
	"error":                                                 EventError,
}

// Event is a decoded inbound data-channel message. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind
	Type string

	ItemID string
	// Delta is the incremental text of a streaming event.
	Delta string
	// Text is the full text of a completed turn.
	Text string

	SessionID string
	Model     string
	Usage     domain.TokenUsage

	ErrorCode    string
	ErrorMessage string
}

type wireEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Session    *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Usage  *struct {
			TotalTokens  int `json:"total_tokens"`
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeEvent parses one data-channel message. Unrecognized types decode to
// EventUnknown without error.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if w.Type == "" {
		return Event{}, errors.New("realtime: decode event: missing type")
	}

	ev := Event{Kind: eventKinds[w.Type], Type: w.Type, ItemID: w.ItemID, Delta: w.Delta}
	switch ev.Kind {
	case EventInputTranscriptCompleted, EventAssistantTranscriptDone:
		ev.Text = w.Transcript
		if ev.Text == "" {
			ev.Text = w.Text
		}
	case EventSessionCreated, EventSessionUpdated:
		if w.Session != nil {
			ev.SessionID = w.Session.ID
			ev.Model = w.Session.Model
		}
	case EventResponseDone:
		if w.Response != nil && w.Response.Usage != nil {
			ev.Usage = domain.TokenUsage{
				InputTokens:  w.Response.Usage.InputTokens,
				OutputTokens: w.Response.Usage.OutputTokens,
				TotalTokens:  w.Response.Usage.TotalTokens,
			}
		}
	case EventError:
		if w.Error != nil {
			ev.ErrorCode = w.Error.Code
			ev.ErrorMessage = w.Error.Message
		}
	}
	return ev, nil
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

// encodeMessage returns the two events that add a message to the
// conversation and ask the model to respond.
func encodeMessage(role domain.Role, text string) ([][]byte, error) {
	item, err := json.Marshal(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    string(role),
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: encode item: %w", err)
	}
	resp, err := json.Marshal(responseCreateEvent{Type: "response.create"})
	if err != nil {
		return nil, fmt.Errorf("realtime: encode response: %w", err)
	}
	return [][]byte{item, resp}, nil
}
