package susanoo

import (
	"time"

	"github.com/gorilla/websocket"
)

// senderIdle is how long the sender parks when there is nothing to drain
// and nobody wakes it. Voice retry timestamps make pure signal-driven
// waiting insufficient.
const senderIdle = 500 * time.Millisecond

func (s *Session) startSender() {
	s.Lock()
	if s.senderStop != nil {
		s.Unlock()
		return
	}
	stop := make(chan struct{})
	s.senderStop = stop
	s.Unlock()

	go s.senderLoop(stop)
}

func (s *Session) stopSender() {
	s.Lock()
	stop := s.senderStop
	s.senderStop = nil
	s.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (s *Session) wakeSender() {
	select {
	case s.senderWake <- struct{}{}:
	default:
	}
}

// senderLoop is the single writer for queued traffic. Lifecycle payloads
// (heartbeat, identify, resume) bypass it and call send directly.
func (s *Session) senderLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !s.canSendQueued() {
			if !s.parkSender(stop, senderIdle) {
				return
			}
			continue
		}

		sent, found := s.attemptSend()
		switch {
		case !found:
			if !s.parkSender(stop, senderIdle) {
				return
			}
		case !sent:
			// Rate window is spent; nothing moves until it rolls over.
			delay := time.Until(s.rateLimiter.ResetTime())
			if delay < 0 {
				delay = 0
			}
			if !s.parkSender(stop, delay) {
				return
			}
		}
	}
}

func (s *Session) parkSender(stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stop:
		return false
	case <-s.senderWake:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Session) canSendQueued() bool {
	s.RLock()
	defer s.RUnlock()
	return s.connected && s.sentAuthInfo
}

// attemptSend drains at most one message, honoring strict queue priority:
// chunk/sync, then voice, then general. found is false when every queue
// was empty; sent is false when the rate bucket denied the pick.
func (s *Session) attemptSend() (sent, found bool) {
	if err := s.queueLock.CLock(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("Interrupted while draining the send queues")
		return false, false
	}
	defer s.queueLock.Unlock()

	if len(s.chunkSyncQueue) > 0 {
		if !s.send(s.chunkSyncQueue[0], false) {
			return false, true
		}
		s.chunkSyncQueue = s.chunkSyncQueue[1:]
		return true, true
	}

	if request := s.nextAudioConnectRequestLocked(); request != nil {
		payload, err := s.buildVoiceStateUpdate(request)
		if err != nil {
			s.log.Error().Err(err).Uint64("guild", request.GuildID).Msg("Failed to serialise voice state update")
			delete(s.queuedVoice, request.GuildID)
			return false, true
		}
		if !s.send(payload, false) {
			return false, true
		}
		// The request stays queued until the server's VOICE_STATE_UPDATE
		// confirms it; rest it so we do not spam the same update.
		request.NextAttempt = nowMillis() + voiceRetryDelay.Milliseconds()
		return true, true
	}

	if len(s.ratelimitQueue) > 0 {
		if !s.send(s.ratelimitQueue[0], false) {
			return false, true
		}
		s.ratelimitQueue = s.ratelimitQueue[1:]
		return true, true
	}

	return false, false
}

func (s *Session) buildVoiceStateUpdate(request *ConnectionRequest) (string, error) {
	var mute, deaf bool
	if s.audio != nil {
		mute, deaf = s.audio.VoiceState(request.GuildID)
	}

	data := voiceStateData{
		GuildID:  formatSnowflake(request.GuildID),
		SelfMute: mute,
		SelfDeaf: deaf,
	}
	if request.Stage != StageDisconnect {
		channel := formatSnowflake(request.ChannelID)
		data.ChannelID = &channel
	}

	payload, err := json.Marshal(voiceStateOp{Op: opVoiceStateUpdate, Data: data})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// send is the internal write primitive. Every outbound data frame, queued
// or priority, funnels through here: one bucket, one socket writer at a
// time. Close frames are written by closeWithCode under the same socket
// mutex and do not consume a rate bucket slot.
func (s *Session) send(message string, priority bool) bool {
	s.RLock()
	conn := s.conn
	connected := s.connected
	s.RUnlock()

	if !connected || conn == nil {
		return false
	}
	if !s.rateLimiter.TrySend(priority) {
		return false
	}

	s.socketMutex.Lock()
	defer s.socketMutex.Unlock()

	s.log.Trace().Str("payload", message).Msg("<-")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		s.log.Error().Err(err).Msg("Failed to write to the WebSocket")
		return false
	}
	return true
}
