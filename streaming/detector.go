package streaming

import "strings"

// toolCallMarkers are the textual signals a model is emitting a tool call.
var toolCallMarkers = []string{`"tool_call"`, `"function_call"`, "<tool_call>"}

// markerWindow bounds the text retained for cross-chunk marker matching.
// It only needs to cover a marker split across two deltas.
const markerWindow = 32

// toolCallDetector watches the accumulated stream text for tool-call
// markers and tracks brace depth for JSON-framed calls. Once a marker is
// seen, chunks are flagged until the enclosing JSON object closes.
type toolCallDetector struct {
	tail       string
	depth      int
	markerSeen bool
	closed     bool
}

// feed consumes the next delta and reports whether the chunk belongs to a
// tool call.
func (d *toolCallDetector) feed(delta string) bool {
	if delta == "" {
		return d.markerSeen && !d.closed
	}

	window := d.tail + delta
	if !d.markerSeen {
		for _, marker := range toolCallMarkers {
			if strings.Contains(window, marker) {
				d.markerSeen = true
				break
			}
		}
	}

	closedNow := false
	if d.markerSeen && !d.closed {
		for _, c := range delta {
			switch c {
			case '{':
				d.depth++
			case '}':
				d.depth--
				if d.depth <= 0 {
					d.closed = true
					closedNow = true
				}
			}
		}
	}

	if len(window) > markerWindow {
		window = window[len(window)-markerWindow:]
	}
	d.tail = window

	// The chunk that closes the call still belongs to it.
	return d.markerSeen && (!d.closed || closedNow)
}
