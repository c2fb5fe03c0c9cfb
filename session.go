package susanoo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	csync "github.com/sasha-s/go-csync"
)

// Session is one durable gateway connection: it owns the socket, the send
// queues, the voice request table and the reconnect state machine. Entity
// decoding lives in the registered EventHandlers; the session only routes.
type Session struct {
	sync.RWMutex // guards the lifecycle fields below

	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	conn      *websocket.Conn
	listening chan struct{}

	controller SessionController
	caches     Caches
	audio      AudioBridge
	listener   func(event any)
	handlers   map[string]EventHandler

	status   *statusCell
	sequence *int64
	ping     int64

	decompressor Decompressor
	readLock     sync.Mutex

	rateLimiter RateLimiter
	socketMutex sync.Mutex

	queueLock      csync.Mutex
	chunkSyncQueue []string
	ratelimitQueue []string
	queuedVoice    map[uint64]*ConnectionRequest
	senderWake     chan struct{}
	senderStop     chan struct{}

	keepAliveStop  chan struct{}
	heartbeatStart int64
	lastAck        int64

	rest *restClient

	gateway   string
	sessionID string

	connected               bool
	sentAuthInfo            bool
	initiating              bool
	processingReady         bool
	firstInit               bool
	shouldReconnect         bool
	shuttingDown            bool
	handleIdentifyRateLimit bool
	identifyTime            int64
	reconnectTimeoutS       int
	clientClose             *CloseFrame

	connectNode *connectNode
}

// SessionOpt customises a Session before its start node is queued.
type SessionOpt func(*Session)

func WithController(c SessionController) SessionOpt {
	return func(s *Session) { s.controller = c }
}

func WithCaches(c Caches) SessionOpt {
	return func(s *Session) { s.caches = c }
}

func WithAudioBridge(a AudioBridge) SessionOpt {
	return func(s *Session) { s.audio = a }
}

func WithListener(fn func(event any)) SessionOpt {
	return func(s *Session) { s.listener = fn }
}

func WithHandler(event string, h EventHandler) SessionOpt {
	return func(s *Session) { s.handlers[event] = h }
}

func WithLogger(log zerolog.Logger) SessionOpt {
	return func(s *Session) { s.log = log }
}

func WithRateLimiterOpts(opts ...RateLimiterConfigOpt) SessionOpt {
	return func(s *Session) { s.rateLimiter = NewRateLimiter(opts...) }
}

// NewSession builds a session and appends its start node to the session
// controller; the controller decides when the first connect actually runs.
func NewSession(cfg Config, opts ...SessionOpt) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := newSession(cfg)
	for _, opt := range opts {
		opt(s)
	}
	if s.controller == nil {
		s.controller = NewSessionController()
	}

	s.connectNode = s.newConnectNode(false)
	if err := s.controller.AppendSession(s.connectNode); err != nil {
		s.log.Error().Err(err).Msg("Failed to append new session to session controller queue. Shutting down!")
		s.status.Set(StatusShutdown)
		s.emit(ShutdownEvent{Code: 1006, Time: time.Now()})
		return nil, err
	}
	return s, nil
}

func newSession(cfg Config) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:               cfg,
		dialer:            websocket.DefaultDialer,
		ctx:               ctx,
		cancel:            cancel,
		handlers:          map[string]EventHandler{},
		status:            newStatusCell(StatusConnecting),
		sequence:          new(int64),
		decompressor:      newDecompressor(cfg.Compression),
		queuedVoice:       map[uint64]*ConnectionRequest{},
		senderWake:        make(chan struct{}, 1),
		rest:              newRestClient(cfg.RestURL),
		gateway:           cfg.GatewayURL,
		initiating:        true,
		processingReady:   true,
		firstInit:         true,
		shouldReconnect:   cfg.AutoReconnect,
		reconnectTimeoutS: 2,
	}
	s.log = newLogger(nil, cfg.shard(), zerolog.InfoLevel)
	s.rateLimiter = NewRateLimiter(WithDeniedFunc(s.warnRateLimited))
	return s
}

func (s *Session) warnRateLimited() {
	s.log.Warn().Msg("Hit the WebSocket RateLimit! This can be caused by too many presence or voice status updates (connect/disconnect/mute/deaf)")
}

// RegisterHandler binds an event name to a handler. Registration is only
// safe before the start node runs; use the WithHandler option in doubt.
func (s *Session) RegisterHandler(event string, h EventHandler) {
	s.handlers[event] = h
}

// Handler returns the handler registered for event, or nil.
func (s *Session) Handler(event string) EventHandler {
	return s.handlers[event]
}

// Send enqueues an already serialised payload on the general queue.
func (s *Session) Send(message string) {
	s.locked("Interrupted while trying to add request to queue", func() {
		s.ratelimitQueue = append(s.ratelimitQueue, message)
	})
	s.wakeSender()
}

// ChunkOrSyncRequest enqueues a member chunk or guild sync payload. The
// chunk queue drains before anything else.
func (s *Session) ChunkOrSyncRequest(request string) {
	s.locked("Interrupted while trying to add chunk request", func() {
		s.chunkSyncQueue = append(s.chunkSyncQueue, request)
	})
	s.wakeSender()
}

// Handle replays raw DISPATCH frames through the dispatcher. The READY
// handler uses it to flush events it had to defer while loading.
func (s *Session) Handle(events [][]byte) {
	for _, raw := range events {
		s.handleEvent(raw)
	}
}

func (s *Session) SetAutoReconnect(reconnect bool) {
	s.Lock()
	s.shouldReconnect = reconnect
	s.Unlock()
}

func (s *Session) IsConnected() bool {
	s.RLock()
	defer s.RUnlock()
	return s.connected
}

// IsReady reports whether initial loading has finished.
func (s *Session) IsReady() bool {
	s.RLock()
	defer s.RUnlock()
	return !s.initiating
}

// Ping returns the last measured heartbeat round trip in milliseconds.
func (s *Session) Ping() int64 {
	return atomic.LoadInt64(&s.ping)
}

func (s *Session) SessionID() string {
	s.RLock()
	defer s.RUnlock()
	return s.sessionID
}

// ResponseTotal is the highest DISPATCH sequence seen this session.
func (s *Session) ResponseTotal() int64 {
	return atomic.LoadInt64(s.sequence)
}

func (s *Session) Status() Status {
	return s.status.Get()
}

// AwaitStatus blocks until the session reaches the wanted status, the
// session shuts down, or the context expires.
func (s *Session) AwaitStatus(ctx context.Context, want Status) error {
	return s.status.Await(ctx, want)
}

// Ready is called by the READY handler once initial loading completed. It
// flips the session into CONNECTED and emits the matching lifecycle event.
func (s *Session) Ready() {
	s.Lock()
	initiating := s.initiating
	first := s.firstInit
	if initiating {
		s.initiating = false
		s.processingReady = false
		if first {
			s.firstInit = false
		}
	}
	s.Unlock()

	total := s.ResponseTotal()
	switch {
	case initiating && first:
		if s.caches != nil && s.caches.GuildCount() >= 2000 {
			s.log.Warn().Int("guilds", s.caches.GuildCount()).
				Msg("Running a session with over 2000 connected guilds; shard the connection to split the load")
		}
		s.log.Info().Msg("Finished Loading!")
		s.emit(ReadyEvent{ResponseTotal: total})
	case initiating:
		s.updateAudioManagerReferences()
		s.log.Info().Msg("Finished (Re)Loading!")
		s.emit(ReconnectedEvent{ResponseTotal: total})
	default:
		s.log.Info().Msg("Successfully resumed Session!")
		s.emit(ResumedEvent{ResponseTotal: total})
	}
	s.status.Set(StatusConnected)
	s.wakeSender()
}

// Shutdown requests cooperative termination: the pending connect node is
// withdrawn, the socket closes with 1000, and no reconnect follows.
func (s *Session) Shutdown() {
	s.Lock()
	if s.shuttingDown {
		s.Unlock()
		return
	}
	s.shuttingDown = true
	s.shouldReconnect = false
	node := s.connectNode
	s.connectNode = nil
	s.Unlock()

	if node != nil {
		s.controller.RemoveSession(node)
	}
	s.closeWithCode(1000, shutdownReason)
	s.stopSender()
	s.cancel()
}

func (s *Session) isShutdown() bool {
	s.RLock()
	defer s.RUnlock()
	return s.shuttingDown
}

// invalidate drops the resumable session: id, auth state, the chunk queue
// and every entity cache. Safe to call twice.
func (s *Session) invalidate() {
	s.Lock()
	s.sessionID = ""
	s.sentAuthInfo = false
	s.Unlock()

	s.locked("Interrupted while trying to invalidate chunk/sync queue", func() {
		s.chunkSyncQueue = nil
	})

	if s.caches != nil {
		s.caches.Clear()
	}
}

// updateAudioManagerReferences closes audio for guilds that disappeared
// while the session was away. Runs on the Reconnected path only.
func (s *Session) updateAudioManagerReferences() {
	if s.audio == nil {
		return
	}
	for _, guildID := range s.audio.ManagedGuilds() {
		if s.audio.GuildExists(guildID) {
			continue
		}
		s.locked("Interrupted while pruning audio connections", func() {
			delete(s.queuedVoice, guildID)
		})
		s.audio.CloseConnection(guildID, DisconnectedRemovedDuringReconnect)
	}
}

func (s *Session) emit(event any) {
	if s.listener != nil {
		s.listener(event)
	}
}

// locked runs task under the queue lock. The acquisition is interruptible;
// when it fails the mutation is dropped and the caller may retry.
func (s *Session) locked(comment string, task func()) {
	if err := s.queueLock.CLock(s.ctx); err != nil {
		s.log.Error().Err(err).Msg(comment)
		return
	}
	defer s.queueLock.Unlock()
	task()
}

func lockedResult[T any](s *Session, comment string, task func() T) T {
	var zero T
	if err := s.queueLock.CLock(s.ctx); err != nil {
		s.log.Error().Err(err).Msg(comment)
		return zero
	}
	defer s.queueLock.Unlock()
	return task()
}

// statusCell is an awaitable status holder: every transition swaps out the
// broadcast channel so waiters can select on it alongside their context.
type statusCell struct {
	mu      sync.Mutex
	val     Status
	changed chan struct{}
}

func newStatusCell(initial Status) *statusCell {
	return &statusCell{val: initial, changed: make(chan struct{})}
}

func (c *statusCell) Get() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

func (c *statusCell) Set(s Status) {
	c.mu.Lock()
	if c.val == s {
		c.mu.Unlock()
		return
	}
	c.val = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *statusCell) Await(ctx context.Context, want Status) error {
	return c.AwaitFunc(ctx, func(v Status) bool { return v == want })
}

func (c *statusCell) AwaitFunc(ctx context.Context, pred func(Status) bool) error {
	for {
		c.mu.Lock()
		val, ch := c.val, c.changed
		c.mu.Unlock()

		if pred(val) {
			return nil
		}
		if val == StatusShutdown {
			return ErrShutdown
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
