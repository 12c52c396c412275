// Package ingest feeds beats from message brokers into the registry.
//
// Every source decodes the same payload: either empty (the device name comes
// from the topic, subject or headers and the server stamps the beat) or a
// JSON types.Beat whose timestamp, when non-zero, is used as is.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

// ErrMalformed marks a message that can never be processed. Sources drop
// such messages instead of redelivering them.
var ErrMalformed = errors.New("malformed beat")

// Recorder is the registry surface used by the sources.
type Recorder interface {
	RecordBeat(name string, at time.Time) (registry.BeatResult, error)
	RecordBeatNow(name string, now func() time.Time) (registry.BeatResult, error)
}

// Handler decodes beat messages and records them.
type Handler struct {
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger
}

// NewHandler creates a handler recording into r.
func NewHandler(r Recorder, c clock.Clock, logger *slog.Logger) *Handler {
	if c == nil {
		c = clock.Real{}
	}
	return &Handler{recorder: r, clock: c, logger: logger}
}

// Decode parses payload. device names the device when the payload does not.
func Decode(payload []byte, device string) (types.Beat, error) {
	var b types.Beat
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &b); err != nil {
			return types.Beat{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if b.DeviceName == "" {
		b.DeviceName = device
	}
	if err := b.Validate(); err != nil {
		return types.Beat{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// Handle decodes and records one message.
func (h *Handler) Handle(source, device string, payload []byte) (registry.BeatResult, error) {
	b, err := Decode(payload, device)
	if err != nil {
		return registry.BeatResult{}, err
	}

	var res registry.BeatResult
	if b.Timestamp > 0 {
		res, err = h.recorder.RecordBeat(b.DeviceName, b.Time())
	} else {
		res, err = h.recorder.RecordBeatNow(b.DeviceName, h.clock.Now)
	}
	if errors.Is(err, registry.ErrInvalidDeviceName) {
		return registry.BeatResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err != nil {
		return registry.BeatResult{}, err
	}

	h.logger.Debug("beat received",
		"source", source,
		"device", b.DeviceName,
		"accepted", res.Accepted,
		"total_beats", res.Device.TotalBeats,
	)
	return res, nil
}

// lastSegment returns the part of name after the final sep.
func lastSegment(name, sep string) string {
	if i := strings.LastIndex(name, sep); i >= 0 {
		return name[i+len(sep):]
	}
	return name
}
