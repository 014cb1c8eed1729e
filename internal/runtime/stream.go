package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamEventType identifies the kind of a stream-json event a CLI runtime
// emits when OutputFormat is "stream-json".
type StreamEventType string

const (
	StreamEventSystem    StreamEventType = "system"
	StreamEventAssistant StreamEventType = "assistant"
	StreamEventUser      StreamEventType = "user"
	StreamEventResult    StreamEventType = "result"
)

// StreamEvent is one JSONL line of stream-json output.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Subtype string          `json:"subtype,omitempty"`

	Message *StreamMessage `json:"message,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
	IsError    bool  `json:"is_error,omitempty"`
	NumTurns   int   `json:"num_turns,omitempty"`
}

// StreamMessage is the message payload of an assistant/user stream event.
type StreamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *StreamUsage   `json:"usage,omitempty"`
}

// ContentBlock is one block of a stream message; Type selects which other
// fields are populated ("text" -> Text, "tool_use" -> Name/Input).
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Name string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StreamUsage is the token usage attached to one stream message.
type StreamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read_input_tokens,omitempty"`
	CacheCreate  int `json:"cache_creation_input_tokens,omitempty"`
}

// maxScannerBuffer bounds line length; tool outputs embedded in stream
// events can be large.
const maxScannerBuffer = 1 << 20

// StreamDecoder reads JSONL stream-json events from a reader line by line.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

// NewStreamDecoder creates a decoder over r with a buffer large enough for
// multi-hundred-KB lines.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	return &StreamDecoder{scanner: scanner}
}

// Next reads and decodes the next event, returning io.EOF at stream end.
// Blank lines are skipped.
func (d *StreamDecoder) Next() (*StreamEvent, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("runtime: decoding stream event: %w", err)
		}
		return &ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("runtime: reading stream: %w", err)
	}
	return nil, io.EOF
}

// accumulateUsage folds the usage fields of a stream message into running
// token totals, adding every field (cache figures included) and
// recomputing TotalTokens as their sum.
func accumulateUsage(acc *TokenUsage, u *StreamUsage) {
	if u == nil {
		return
	}
	acc.InputTokens += u.InputTokens
	acc.OutputTokens += u.OutputTokens
	acc.CacheReadTokens += u.CacheRead
	acc.CacheCreationTokens += u.CacheCreate
	acc.TotalTokens = acc.InputTokens + acc.OutputTokens + acc.CacheReadTokens + acc.CacheCreationTokens
}
