package susanoo

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
)

// connect dials the gateway and opens the authentication handshake. The
// caller decides whether this is a fresh connect or a reconnect attempt.
func (s *Session) connect() error {
	if s.Status() != StatusAttemptingToReconnect {
		s.status.Set(StatusConnecting)
	}
	if s.isShutdown() {
		return ErrShutdown
	}

	s.Lock()
	if s.conn != nil {
		s.Unlock()
		return ErrAlreadyConnected
	}
	s.initiating = true
	s.Unlock()

	url, err := s.gatewayAddress()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Add("Accept-Encoding", "gzip")

	conn, _, err := s.dialer.DialContext(s.ctx, url, headers)
	if err != nil {
		// The cached gateway address may have gone stale.
		s.resetGatewayAddress()
		return err
	}

	listening := make(chan struct{})

	s.Lock()
	s.conn = conn
	s.connected = true
	s.reconnectTimeoutS = 2
	s.clientClose = nil
	s.listening = listening
	resume := s.sessionID != ""
	s.Unlock()

	s.rateLimiter.Reset()
	s.status.Set(StatusIdentifying)

	if resume {
		s.log.Debug().Msg("Connected to WebSocket")
		s.sendResume()
	} else {
		s.log.Info().Msg("Connected to WebSocket")
		s.sendIdentify()
	}

	go s.listen(conn, listening)
	return nil
}

// listen is the single socket reader; it owns frame ordering.
func (s *Session) listen(conn *websocket.Conn, listening <-chan struct{}) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.RLock()
			sameConnection := s.conn == conn
			s.RUnlock()

			if sameConnection {
				s.onDisconnected(closeFrameFromError(err))
			}
			return
		}

		select {
		case <-listening:
			return
		default:
			s.onMessage(messageType, message)
		}
	}
}

func (s *Session) onMessage(messageType int, message []byte) {
	text := string(message)

	if messageType == websocket.BinaryMessage {
		// Hold the read lock for decompression only; it is released
		// before the frame is dispatched.
		s.readLock.Lock()
		decoded, err := s.decompressor.Decompress(message)
		s.readLock.Unlock()

		if err != nil {
			s.log.Error().Err(err).Msg("Failed to decompress frame")
			s.closeWithCode(4000, malformedReason)
			return
		}
		if decoded == "" {
			// Message still incomplete; more frames coming.
			return
		}
		text = decoded
	}

	s.handleEvent([]byte(text))
}

func (s *Session) sendIdentify() {
	s.log.Debug().Msg("Sending Identify-packet...")

	payload := identifyData{
		Token: s.cfg.Token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "susanoo",
			Device:  "susanoo",
		},
		Version:        GatewayVersion,
		LargeThreshold: largeThreshold,
		Presence:       &Presence{Status: s.cfg.PresenceStatus},
	}
	if shard := s.cfg.shard(); shard != nil {
		payload.Shard = &[2]int{shard.ID, shard.Total}
	}

	data, err := json.Marshal(identifyOp{Op: opIdentify, Data: payload})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to serialise IDENTIFY")
		return
	}
	s.send(string(data), true)

	s.Lock()
	s.handleIdentifyRateLimit = true
	s.identifyTime = time.Now().UnixMilli()
	s.sentAuthInfo = true
	s.Unlock()
	s.status.Set(StatusAwaitingLoginConfirmation)
}

func (s *Session) sendResume() {
	s.log.Debug().Msg("Sending Resume-packet...")

	data, err := json.Marshal(resumeOp{Op: opResume, Data: resumeData{
		SessionID: s.SessionID(),
		Token:     s.cfg.Token,
		Sequence:  s.ResponseTotal(),
	}})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to serialise RESUME")
		return
	}
	s.send(string(data), true)
	// sentAuthInfo flips on RESUMED, since the resume may still fail.
	s.status.Set(StatusAwaitingLoginConfirmation)
}

// closeWithCode starts the close handshake; the reader observes the peer's
// answer and runs the disconnect path.
func (s *Session) closeWithCode(code int, reason string) {
	s.Lock()
	conn := s.conn
	if conn == nil {
		s.Unlock()
		return
	}
	s.clientClose = &CloseFrame{Code: code, Reason: reason}
	s.Unlock()

	s.socketMutex.Lock()
	deadline := time.Now().Add(5 * time.Second)
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.socketMutex.Unlock()

	if err != nil {
		// The handshake cannot complete; tear the socket down so the
		// reader unblocks and the disconnect path still runs.
		_ = conn.Close()
	}
}

func closeFrameFromError(err error) *CloseFrame {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseFrame{Code: ce.Code, Reason: ce.Text}
	}
	return nil
}

// onDisconnected interprets both close frames and routes to shutdown or
// reconnect. serverClose is nil when the socket died without a close frame,
// which counts as reconnectable.
func (s *Session) onDisconnected(serverClose *CloseFrame) {
	s.cancelKeepAlive()

	s.Lock()
	s.sentAuthInfo = false
	s.connected = false
	s.conn = nil
	if s.listening != nil {
		close(s.listening)
		s.listening = nil
	}
	clientClose := s.clientClose
	shouldReconnect := s.shouldReconnect
	shuttingDown := s.shuttingDown
	s.Unlock()

	s.status.Set(StatusDisconnected)

	// When the remote closes with 1000 we still try to resume: the
	// gateway does not treat a graceful close as dropping the session.
	rawCloseCode := 1000
	reconnectable := true
	if serverClose != nil {
		rawCloseCode = serverClose.Code
		reconnectable = closeCodeReconnectable(rawCloseCode)
		if cc, known := closeCodes[rawCloseCode]; known {
			if rawCloseCode == 4008 {
				s.log.Error().Msg("WebSocket connection closed due to ratelimit! Sent more than 120 websocket messages in under 60 seconds!")
			} else {
				s.log.Debug().Int("code", rawCloseCode).Str("meaning", cc.Meaning).Msg("WebSocket connection closed")
			}
		} else {
			s.log.Warn().Int("code", rawCloseCode).Msg("WebSocket connection closed with unknown meaning for close-code")
		}
	}

	// A client-side 1000/INVALIDATE_SESSION close means the session was
	// deliberately dropped; resume cannot work.
	isInvalidate := clientClose != nil &&
		clientClose.Code == 1000 &&
		clientClose.Reason == invalidateReason

	if !shouldReconnect || !reconnectable || shuttingDown {
		s.stopSender()

		if !reconnectable {
			s.log.Error().Int("code", rawCloseCode).
				Msg("WebSocket connection was closed and cannot be recovered due to identification issues")
		}

		s.readLock.Lock()
		s.decompressor.Shutdown()
		s.readLock.Unlock()

		s.status.Set(StatusShutdown)
		s.emit(ShutdownEvent{Code: rawCloseCode, Time: time.Now()})
		return
	}

	s.readLock.Lock()
	s.decompressor.Reset()
	s.readLock.Unlock()

	if isInvalidate {
		s.invalidate()
	}

	s.emit(DisconnectEvent{
		ServerClose:    serverClose,
		ClientClose:    clientClose,
		ClosedByServer: clientClose == nil,
		Time:           time.Now(),
	})

	s.handleReconnect()
}

func (s *Session) handleReconnect() {
	if s.SessionID() == "" {
		s.waitIdentifyBackoff()
		s.log.Warn().Msg("Got disconnected from WebSocket. Appending to reconnect queue")
		s.queueReconnect()
		return
	}
	s.log.Warn().Msg("Got disconnected from WebSocket. Attempting to resume session")
	s.reconnect(false)
}

// waitIdentifyBackoff sleeps out the remainder of the 5 second identify
// window when the previous IDENTIFY was too recent.
func (s *Session) waitIdentifyBackoff() {
	s.RLock()
	limited := s.handleIdentifyRateLimit
	identifyTime := s.identifyTime
	s.RUnlock()

	if !limited {
		return
	}

	remaining := identifyBackoff.Milliseconds() - (time.Now().UnixMilli() - identifyTime)
	if remaining > 0 {
		s.log.Error().Int64("backoff_ms", remaining).Msg("Encountered IDENTIFY Rate Limit! Waiting before trying again")
		s.sleep(time.Duration(remaining) * time.Millisecond)
	} else {
		s.log.Error().Msg("Encountered IDENTIFY Rate Limit!")
	}
}

func (s *Session) queueReconnect() {
	s.status.Set(StatusReconnectQueued)

	node := s.newConnectNode(true)
	s.Lock()
	s.connectNode = node
	s.Unlock()

	if err := s.controller.AppendSession(node); err != nil {
		s.log.Error().Err(err).Msg("Reconnect queue rejected session. Shutting down...")
		s.status.Set(StatusShutdown)
		s.emit(ShutdownEvent{Code: 1006, Time: time.Now()})
	}
}

// reconnect loops locally with exponential backoff until a connect
// succeeds. Only the resume path uses it directly; fresh identifies go
// through the session controller instead.
func (s *Session) reconnect(callFromQueue bool) {
	if s.isShutdown() {
		s.status.Set(StatusShutdown)
		s.emit(ShutdownEvent{Code: 1000, Time: time.Now()})
		return
	}

	if callFromQueue {
		s.log.Debug().Msg("Queue is attempting to reconnect a shard...")
	}

	for {
		s.RLock()
		shouldReconnect := s.shouldReconnect
		delay := s.reconnectTimeoutS
		s.RUnlock()
		if !shouldReconnect {
			return
		}

		s.status.Set(StatusWaitingToReconnect)
		s.log.Debug().Int("delay_s", delay).Msg("Attempting to reconnect")
		if !s.sleep(time.Duration(delay) * time.Second) {
			s.status.Set(StatusShutdown)
			s.emit(ShutdownEvent{Code: 1000, Time: time.Now()})
			return
		}

		s.Lock()
		s.handleIdentifyRateLimit = false
		s.Unlock()

		s.status.Set(StatusAttemptingToReconnect)
		err := s.connect()
		if err == nil {
			return
		}
		if errors.Is(err, ErrShutdown) {
			s.status.Set(StatusShutdown)
			s.emit(ShutdownEvent{Code: 1000, Time: time.Now()})
			return
		}

		s.Lock()
		s.reconnectTimeoutS <<= 1
		if s.reconnectTimeoutS > s.cfg.MaxReconnectDelay {
			s.reconnectTimeoutS = s.cfg.MaxReconnectDelay
		}
		next := s.reconnectTimeoutS
		s.Unlock()
		s.log.Warn().Err(err).Int("next_s", next).Msg("Reconnect failed! Retrying")
	}
}

// sleep waits d unless the session shuts down first.
func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
