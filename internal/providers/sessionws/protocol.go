package sessionws

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"livenote/internal/domain"
)

const (
	// FrameHeaderSize is epoch(4) + sequence(8) + capturedAtMs(8) + flags(1), big endian.
	FrameHeaderSize = 21
	// MaxFrameSize bounds a single audio frame.
	MaxFrameSize = 4 * 1024 * 1024

	flagFinal byte = 1 << 0
)

const (
	MessageStartSession  = "START_SESSION"
	MessagePauseSession  = "PAUSE_SESSION"
	MessageResumeSession = "RESUME_SESSION"
	MessageEndSession    = "END_SESSION"

	MessageTranscription = "transcription"
	MessageRiskAlert     = "risk_alert"
	MessageError         = "error"
)

var (
	ErrFrameTooSmall = errors.New("audio frame too small")
	ErrFrameTooLarge = errors.New("audio frame too large")
)

// EncodeAudioFrame encodes a chunk as | epoch | sequence | capturedAtMs | flags | payload |.
func EncodeAudioFrame(chunk domain.AudioChunk) []byte {
	buf := make([]byte, FrameHeaderSize+len(chunk.Payload))
	binary.BigEndian.PutUint32(buf[0:4], chunk.Epoch)
	binary.BigEndian.PutUint64(buf[4:12], chunk.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(chunk.CapturedAtMs))
	if chunk.Final {
		buf[20] |= flagFinal
	}
	copy(buf[FrameHeaderSize:], chunk.Payload)
	return buf
}

// DecodeAudioFrame is the receiving side of EncodeAudioFrame.
func DecodeAudioFrame(raw []byte) (domain.AudioChunk, error) {
	if len(raw) < FrameHeaderSize {
		return domain.AudioChunk{}, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return domain.AudioChunk{}, ErrFrameTooLarge
	}

	chunk := domain.AudioChunk{
		Epoch:        binary.BigEndian.Uint32(raw[0:4]),
		Sequence:     binary.BigEndian.Uint64(raw[4:12]),
		CapturedAtMs: int64(binary.BigEndian.Uint64(raw[12:20])),
		Final:        raw[20]&flagFinal != 0,
	}
	if len(raw) > FrameHeaderSize {
		chunk.Payload = make([]byte, len(raw)-FrameHeaderSize)
		copy(chunk.Payload, raw[FrameHeaderSize:])
	}
	return chunk, nil
}

type frameKey struct {
	epoch    uint32
	sequence uint64
}

// SequenceFilter deduplicates redelivered audio frames on the receiving side.
type SequenceFilter struct {
	mu   sync.Mutex
	seen map[frameKey]struct{}
}

func NewSequenceFilter() *SequenceFilter {
	return &SequenceFilter{seen: make(map[frameKey]struct{})}
}

// Accept reports whether (epoch, sequence) is seen for the first time.
func (f *SequenceFilter) Accept(epoch uint32, sequence uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := frameKey{epoch: epoch, sequence: sequence}
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

type controlMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Template   string `json:"template,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
	Paused     bool   `json:"paused,omitempty"`
}

type inboundMessage struct {
	Type    string       `json:"type"`
	Segment *wireSegment `json:"segment"`
	Alert   *wireAlert   `json:"alert"`
	Message string       `json:"message"`
}

type wireSegment struct {
	ID           string  `json:"id"`
	StartMs      int64   `json:"startMs"`
	EndMs        *int64  `json:"endMs"`
	SpeakerLabel string  `json:"speakerLabel"`
	Speaker      string  `json:"speaker"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
}

type wireAlert struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Evidence  string `json:"evidence"`
	SegmentID string `json:"segmentId"`
	Timestamp int64  `json:"timestamp"`
}

// backendError is an error message pushed by the backend.
type backendError struct {
	message string
}

func (e backendError) Error() string {
	return "backend error: " + e.message
}

// decodeInbound parses one text message. It returns ok=false for message types the
// engine does not consume.
func decodeInbound(payload []byte) (domain.ChannelEvent, bool, error) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.ChannelEvent{}, false, fmt.Errorf("decode inbound message: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case MessageTranscription:
		if msg.Segment == nil {
			return domain.ChannelEvent{}, false, errors.New("transcription message without segment")
		}
		speaker := msg.Segment.SpeakerLabel
		if speaker == "" {
			speaker = msg.Segment.Speaker
		}
		// A segment without endMs is a point in time at startMs.
		endMs := msg.Segment.StartMs
		if msg.Segment.EndMs != nil {
			endMs = *msg.Segment.EndMs
		}
		return domain.ChannelEvent{
			Kind: domain.ChannelEventTranscript,
			Segment: domain.TranscriptSegment{
				ID:           msg.Segment.ID,
				StartMs:      msg.Segment.StartMs,
				EndMs:        endMs,
				SpeakerLabel: speaker,
				Text:         msg.Segment.Text,
				Confidence:   msg.Segment.Confidence,
			},
		}, true, nil
	case MessageRiskAlert:
		if msg.Alert == nil {
			return domain.ChannelEvent{}, false, errors.New("risk_alert message without alert")
		}
		severity, err := domain.ParseSeverity(msg.Alert.Severity)
		if err != nil {
			return domain.ChannelEvent{}, false, fmt.Errorf("risk_alert %q: %w", msg.Alert.ID, err)
		}
		return domain.ChannelEvent{
			Kind: domain.ChannelEventRiskAlert,
			Alert: domain.RiskAlert{
				ID:          msg.Alert.ID,
				Type:        msg.Alert.Type,
				Severity:    severity,
				Evidence:    msg.Alert.Evidence,
				SegmentID:   msg.Alert.SegmentID,
				TimestampMs: msg.Alert.Timestamp,
				Source:      domain.AlertSourceBackend,
			},
		}, true, nil
	case MessageError:
		message := strings.TrimSpace(msg.Message)
		if message == "" {
			message = "backend returned an unknown error"
		}
		return domain.ChannelEvent{}, false, backendError{message: message}
	default:
		return domain.ChannelEvent{}, false, nil
	}
}
