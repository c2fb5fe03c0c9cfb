package susanoo

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrAlreadyConnected = errors.New("connection already exists")
	ErrShutdown         = errors.New("session is shut down")
	ErrNotConnected     = errors.New("not connected to the gateway")

	// ErrParse wraps handler-side decode failures so the dispatcher can
	// downgrade them to a warning instead of an exception event.
	ErrParse = errors.New("event parse error")
)

// Event is one inbound gateway frame.
type Event struct {
	Operation int                `json:"op"`
	Sequence  int64              `json:"s"`
	Type      string             `json:"t"`
	RawData   stdjson.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type heartbeatOp struct {
	Op   int   `json:"op"`
	Data int64 `json:"d"`
}

type identifyProperties struct {
	OS              string `json:"$os"`
	Browser         string `json:"$browser"`
	Device          string `json:"$device"`
	ReferringDomain string `json:"$referring_domain"`
	Referrer        string `json:"$referrer"`
}

// Presence is the initial presence transmitted with IDENTIFY.
type Presence struct {
	Status string `json:"status"`
	Since  int64  `json:"since"`
	AFK    bool   `json:"afk"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Version        int                `json:"v"`
	LargeThreshold int                `json:"large_threshold"`
	Presence       *Presence          `json:"presence,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
}

type identifyOp struct {
	Op   int          `json:"op"`
	Data identifyData `json:"d"`
}

type resumeData struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Sequence  int64  `json:"seq"`
}

type resumeOp struct {
	Op   int        `json:"op"`
	Data resumeData `json:"d"`
}

type voiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type voiceStateOp struct {
	Op   int            `json:"op"`
	Data voiceStateData `json:"d"`
}

type readyData struct {
	SessionID string `json:"session_id"`
}

// ShardInfo identifies one partition of the event stream.
type ShardInfo struct {
	ID    int
	Total int
}

func (s ShardInfo) String() string {
	return fmt.Sprintf("%d/%d", s.ID, s.Total)
}

// CloseFrame is one side of a WebSocket close handshake.
type CloseFrame struct {
	Code   int
	Reason string
}

// Lifecycle events delivered to the session's Listener.

// ReadyEvent fires once, after the first READY finished loading.
type ReadyEvent struct {
	ResponseTotal int64
}

// ReconnectedEvent fires when a re-identified session finished loading.
type ReconnectedEvent struct {
	ResponseTotal int64
}

// ResumedEvent fires when an existing session was resumed.
type ResumedEvent struct {
	ResponseTotal int64
}

// DisconnectEvent fires on every reconnectable disconnect.
type DisconnectEvent struct {
	ServerClose    *CloseFrame
	ClientClose    *CloseFrame
	ClosedByServer bool
	Time           time.Time
}

// ShutdownEvent fires when the session terminates for good. Code carries the
// raw close code that ended the connection.
type ShutdownEvent struct {
	Code int
	Time time.Time
}

// ExceptionEvent carries an error absorbed at the dispatch boundary.
type ExceptionEvent struct {
	Err error
}

// RawGatewayEvent carries an unprocessed DISPATCH frame. Only emitted when
// Config.RawEvents is set, after the handler has mutated cache.
type RawGatewayEvent struct {
	Seq int64
	Raw []byte
}

// EventHandler processes one DISPATCH frame. Implementations decode the
// frame and mutate the caches they own; they never touch the session beyond
// the methods it exposes. Errors wrapping ErrParse are logged at warn and
// the frame is skipped; anything else is reported as an ExceptionEvent.
type EventHandler interface {
	Handle(seq int64, raw []byte) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(seq int64, raw []byte) error

func (f HandlerFunc) Handle(seq int64, raw []byte) error { return f(seq, raw) }

// Caches is the entity/event cache collaborator. The core only clears it on
// invalidation, expires deferred lookups, and reads the guild count for the
// oversized-session warning.
type Caches interface {
	Clear()
	Timeout(seq int64)
	GuildCount() int
}

// AudioBridge is the voice collaborator. The voice queue consults it for
// request eligibility and reports terminal causes through it.
type AudioBridge interface {
	GuildExists(guildID uint64) bool
	ChannelExists(guildID, channelID uint64) bool
	CanConnect(guildID, channelID uint64) bool
	VoiceState(guildID uint64) (mute, deaf bool)
	OnStatusChange(guildID uint64, status ConnectionStatus)

	// ManagedGuilds and CloseConnection drive the post-reconnect sweep
	// that drops audio managers for guilds that vanished while away.
	ManagedGuilds() []uint64
	CloseConnection(guildID uint64, status ConnectionStatus)
}

func formatSnowflake(id uint64) string {
	return strconv.FormatUint(id, 10)
}
