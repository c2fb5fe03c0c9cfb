package susanoo

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	stdjson "encoding/json"
)

// handleEvent is the entry point for every complete inbound JSON text.
func (s *Session) handleEvent(raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		s.log.Error().Err(err).Str("json", string(raw)).Msg("Failed to parse gateway frame")
		s.closeWithCode(4000, malformedReason)
		return
	}
	s.onEvent(event, raw)
}

func (s *Session) onEvent(event Event, raw []byte) {
	if event.Sequence > 0 {
		s.advanceSequence(event.Sequence)
	}

	switch event.Operation {
	case opDispatch:
		s.onDispatch(event, raw)

	case opHeartbeat:
		s.log.Debug().Msg("Got Keep-Alive request (OP 1). Sending response...")
		s.sendKeepAlive()

	case opReconnect:
		s.log.Debug().Msg("Got Reconnect request (OP 7). Closing connection now...")
		s.closeWithCode(4000, "OP 7: RECONNECT")

	case opInvalidateSession:
		s.log.Debug().Msg("Got Invalidate request (OP 9). Invalidating...")
		s.Lock()
		s.handleIdentifyRateLimit = s.handleIdentifyRateLimit &&
			time.Now().UnixMilli()-s.identifyTime < identifyBackoff.Milliseconds()
		s.sentAuthInfo = false
		s.Unlock()

		var canResume bool
		_ = json.Unmarshal(event.RawData, &canResume)

		// d:true means the session survives a soft close; 1000 drops it.
		code := 1000
		if canResume {
			code = 4000
			s.log.Debug().Msg("Session can be recovered... Closing and sending new RESUME request")
		} else {
			s.invalidate()
		}
		s.closeWithCode(code, invalidateReason)

	case opHello:
		s.log.Debug().Msg("Got HELLO packet (OP 10). Initializing keep-alive.")
		var hello helloData
		if err := json.Unmarshal(event.RawData, &hello); err != nil {
			s.log.Error().Err(err).Msg("Failed to parse HELLO payload")
			return
		}
		s.setupKeepAlive(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

	case opHeartbeatAck:
		s.log.Trace().Msg("Got Heartbeat Ack (OP 11).")
		s.onHeartbeatAck()

	default:
		s.log.Debug().Int("op", event.Operation).Str("content", string(raw)).Msg("Got unknown op-code")
	}
}

// advanceSequence raises last_sequence monotonically; stale frames after a
// replay never move it backwards.
func (s *Session) advanceSequence(seq int64) {
	for {
		old := atomic.LoadInt64(s.sequence)
		if seq <= old {
			return
		}
		if atomic.CompareAndSwapInt64(s.sequence, old, seq) {
			return
		}
	}
}

func (s *Session) onDispatch(event Event, raw []byte) {
	seq := s.ResponseTotal()

	if !isJSONObject(event.RawData) {
		if event.Type == "PRESENCES_REPLACE" {
			s.dispatchPresencesReplace(seq, event.RawData)
		} else {
			s.log.Debug().Str("json", string(raw)).Msg("Received event with unhandled body type")
		}
		return
	}

	switch event.Type {
	case "READY":
		s.status.Set(StatusLoadingSubsystems)
		var ready readyData
		_ = json.Unmarshal(event.RawData, &ready)
		s.Lock()
		s.processingReady = true
		s.initiating = true
		s.handleIdentifyRateLimit = false
		s.sessionID = ready.SessionID
		s.Unlock()
		s.runHandler("READY", seq, raw)

	case "RESUMED":
		s.Lock()
		s.sentAuthInfo = true
		processingReady := s.processingReady
		if !processingReady {
			s.initiating = false
		}
		s.Unlock()
		if !processingReady {
			s.Ready()
		} else {
			s.log.Debug().Msg("Resumed while still processing initial ready")
			s.status.Set(StatusLoadingSubsystems)
		}

	default:
		if handler, ok := s.handlers[event.Type]; ok {
			s.invokeHandler(handler, event.Type, seq, raw)
		} else {
			s.log.Debug().Str("type", event.Type).Msg("Unrecognized event")
		}
	}

	// Raw events go out after the handler mutated cache.
	if s.cfg.RawEvents {
		s.emit(RawGatewayEvent{Seq: seq, Raw: raw})
	}

	if s.caches != nil && seq%s.cfg.EventCacheTimeout == 0 {
		s.caches.Timeout(seq)
	}
}

// dispatchPresencesReplace fans a PRESENCES_REPLACE array out as synthetic
// PRESENCE_UPDATE frames, one per element.
func (s *Session) dispatchPresencesReplace(seq int64, data stdjson.RawMessage) {
	var presences []stdjson.RawMessage
	if err := json.Unmarshal(data, &presences); err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse PRESENCES_REPLACE payload")
		return
	}

	handler := s.handlers["PRESENCE_UPDATE"]
	for _, presence := range presences {
		synthetic, err := json.Marshal(Event{
			Operation: opDispatch,
			Sequence:  seq,
			Type:      "PRESENCE_UPDATE",
			RawData:   presence,
		})
		if err != nil {
			continue
		}
		if handler != nil {
			s.invokeHandler(handler, "PRESENCE_UPDATE", seq, synthetic)
		}
		if s.cfg.RawEvents {
			s.emit(RawGatewayEvent{Seq: seq, Raw: synthetic})
		}
	}
}

func (s *Session) runHandler(event string, seq int64, raw []byte) {
	if handler, ok := s.handlers[event]; ok {
		s.invokeHandler(handler, event, seq, raw)
	}
}

// invokeHandler shields the gateway from its handlers: parse errors are
// warnings, everything else is absorbed and surfaced as an ExceptionEvent.
func (s *Session) invokeHandler(handler EventHandler, event string, seq int64, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler %s panicked: %v", event, r)
			s.log.Error().Str("type", event).Str("json", string(raw)).Msg(err.Error())
			s.emit(ExceptionEvent{Err: err})
		}
	}()

	err := handler.Handle(seq, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrParse):
		s.log.Warn().Err(err).Str("type", event).Msg("Got an unexpected Json-parse error")
	default:
		s.log.Error().Err(err).Str("type", event).Str("json", string(raw)).Msg("Got an unexpected error")
		s.emit(ExceptionEvent{Err: err})
	}
}

func isJSONObject(data stdjson.RawMessage) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
