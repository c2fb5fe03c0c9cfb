package susanoo

import (
	"testing"
	"time"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	s := newSession(Config{Token: "token", Compression: CompressionNone})
	t.Cleanup(s.cancel)
	return s
}

func (s *Session) voiceRequest(guildID uint64) *ConnectionRequest {
	return lockedResult(s, "test", func() *ConnectionRequest {
		return s.queuedVoice[guildID]
	})
}

type fakeBridge struct {
	guilds      map[uint64]bool
	channels    map[uint64]bool
	connectable map[uint64]bool
	mute, deaf  bool

	statuses map[uint64]ConnectionStatus
	closed   map[uint64]ConnectionStatus
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		guilds:      map[uint64]bool{},
		channels:    map[uint64]bool{},
		connectable: map[uint64]bool{},
		statuses:    map[uint64]ConnectionStatus{},
		closed:      map[uint64]ConnectionStatus{},
	}
}

func (b *fakeBridge) GuildExists(guildID uint64) bool { return b.guilds[guildID] }
func (b *fakeBridge) ChannelExists(guildID, channelID uint64) bool {
	return b.channels[channelID]
}
func (b *fakeBridge) CanConnect(guildID, channelID uint64) bool {
	return b.connectable[channelID]
}
func (b *fakeBridge) VoiceState(guildID uint64) (bool, bool) { return b.mute, b.deaf }
func (b *fakeBridge) OnStatusChange(guildID uint64, status ConnectionStatus) {
	b.statuses[guildID] = status
}
func (b *fakeBridge) ManagedGuilds() []uint64 {
	ids := make([]uint64, 0, len(b.guilds))
	for id := range b.guilds {
		ids = append(ids, id)
	}
	return ids
}
func (b *fakeBridge) CloseConnection(guildID uint64, status ConnectionStatus) {
	b.closed[guildID] = status
}

func TestVoiceQueueCoalescing(t *testing.T) {
	t.Parallel()

	const guild = 10

	ops := map[string]func(s *Session, channel uint64){
		"connect":    func(s *Session, channel uint64) { s.QueueAudioConnect(guild, channel) },
		"reconnect":  func(s *Session, channel uint64) { s.QueueAudioReconnect(guild, channel) },
		"disconnect": func(s *Session, channel uint64) { s.QueueAudioDisconnect(guild) },
	}

	cases := []struct {
		old, new string
		want     ConnectionStage
	}{
		{"", "connect", StageConnect},
		{"", "reconnect", StageReconnect},
		{"", "disconnect", StageDisconnect},
		{"connect", "connect", StageConnect},
		{"connect", "reconnect", StageReconnect},
		{"connect", "disconnect", StageDisconnect},
		{"reconnect", "connect", StageReconnect},
		{"reconnect", "reconnect", StageReconnect},
		{"reconnect", "disconnect", StageDisconnect},
		{"disconnect", "connect", StageReconnect},
		{"disconnect", "reconnect", StageReconnect},
		{"disconnect", "disconnect", StageDisconnect},
	}

	for _, tc := range cases {
		tc := tc
		name := tc.old + "+" + tc.new
		if tc.old == "" {
			name = "absent+" + tc.new
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := testSession(t)
			if tc.old != "" {
				ops[tc.old](s, 100)
			}
			ops[tc.new](s, 200)

			request := s.voiceRequest(guild)
			if request == nil {
				t.Fatal("no request queued")
			}
			if request.Stage != tc.want {
				t.Fatalf("stage = %v, want %v", request.Stage, tc.want)
			}
		})
	}
}

func TestVoiceQueueConnectUpdatesChannel(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.QueueAudioConnect(1, 100)
	s.QueueAudioConnect(1, 200)

	request := s.voiceRequest(1)
	if request.Stage != StageConnect || request.ChannelID != 200 {
		t.Fatalf("got stage %v channel %d, want CONNECT 200", request.Stage, request.ChannelID)
	}
}

func TestVoiceQueueDisconnectThenConnect(t *testing.T) {
	t.Parallel()

	// connect(ch1), disconnect, connect(ch2) must collapse into one
	// RECONNECT against ch2.
	s := testSession(t)
	s.QueueAudioConnect(1, 100)
	s.QueueAudioDisconnect(1)
	s.QueueAudioConnect(1, 200)

	request := s.voiceRequest(1)
	if request == nil {
		t.Fatal("no request queued")
	}
	if request.Stage != StageReconnect {
		t.Fatalf("stage = %v, want RECONNECT", request.Stage)
	}
	if request.ChannelID != 200 {
		t.Fatalf("channel = %d, want 200", request.ChannelID)
	}
}

func TestVoiceQueueUpdateCompletesDisconnect(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.QueueAudioDisconnect(1)

	request := s.UpdateAudioConnection(1, nil)
	if request == nil {
		t.Fatal("confirmed disconnect should return the request")
	}
	if s.voiceRequest(1) != nil {
		t.Fatal("request should have been removed")
	}
}

func TestVoiceQueueUpdateTurnsReconnectIntoConnect(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.QueueAudioReconnect(1, 100)
	s.locked("test", func() {
		s.queuedVoice[1].NextAttempt = nowMillis() + time.Hour.Milliseconds()
	})

	if request := s.UpdateAudioConnection(1, nil); request != nil {
		t.Fatal("reconnect half-step must not return the request")
	}

	request := s.voiceRequest(1)
	if request == nil {
		t.Fatal("request should remain queued")
	}
	if request.Stage != StageConnect {
		t.Fatalf("stage = %v, want CONNECT", request.Stage)
	}
	if request.NextAttempt > nowMillis() {
		t.Fatal("converted request must be due immediately")
	}
}

func TestVoiceQueueUpdateIgnoresForeignChannel(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.QueueAudioConnect(1, 100)

	other := uint64(999)
	if request := s.UpdateAudioConnection(1, &other); request != nil {
		t.Fatal("response for another channel must not consume the request")
	}

	match := uint64(100)
	if request := s.UpdateAudioConnection(1, &match); request == nil {
		t.Fatal("matching channel should complete the request")
	}
	if s.voiceRequest(1) != nil {
		t.Fatal("request should have been removed")
	}
}

func TestVoiceQueueUpdateWithoutRequest(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	if request := s.UpdateAudioConnection(42, nil); request != nil {
		t.Fatal("no queued request, update must return nil")
	}
}

func TestNextAudioConnectRequestEligibility(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	bridge := newFakeBridge()
	s.audio = bridge

	s.Lock()
	s.initiating = false
	s.Unlock()

	// Guild 1 vanished, guild 2 lost its channel, guild 3 lost the
	// connect permission, guild 4 is viable.
	bridge.guilds[2] = true
	bridge.guilds[3] = true
	bridge.guilds[4] = true
	bridge.channels[300] = true
	bridge.channels[400] = true
	bridge.connectable[400] = true

	s.QueueAudioConnect(1, 100)
	request := lockedResult(s, "test", s.nextAudioConnectRequestLocked)
	if request != nil {
		t.Fatal("removed guild should not produce a request")
	}
	if bridge.statuses[1] != DisconnectedRemovedFromGuild {
		t.Fatalf("guild 1 cause = %v, want DISCONNECTED_REMOVED_FROM_GUILD", bridge.statuses[1])
	}

	s.QueueAudioConnect(2, 200)
	lockedResult(s, "test", s.nextAudioConnectRequestLocked)
	if bridge.statuses[2] != DisconnectedChannelDeleted {
		t.Fatalf("guild 2 cause = %v, want DISCONNECTED_CHANNEL_DELETED", bridge.statuses[2])
	}

	s.QueueAudioConnect(3, 300)
	lockedResult(s, "test", s.nextAudioConnectRequestLocked)
	if bridge.statuses[3] != DisconnectedLostPermission {
		t.Fatalf("guild 3 cause = %v, want DISCONNECTED_LOST_PERMISSION", bridge.statuses[3])
	}

	s.QueueAudioConnect(4, 400)
	request = lockedResult(s, "test", s.nextAudioConnectRequestLocked)
	if request == nil || request.GuildID != 4 {
		t.Fatalf("got %+v, want the viable request for guild 4", request)
	}
}

func TestNextAudioConnectRequestRespectsRest(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.Lock()
	s.initiating = false
	s.Unlock()

	s.QueueAudioConnect(1, 100)
	s.locked("test", func() {
		s.queuedVoice[1].NextAttempt = nowMillis() + time.Hour.Milliseconds()
	})

	if request := lockedResult(s, "test", s.nextAudioConnectRequestLocked); request != nil {
		t.Fatal("resting request must be skipped")
	}
}

func TestNextAudioConnectRequestWaitsForReady(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.QueueAudioConnect(1, 100)

	if request := lockedResult(s, "test", s.nextAudioConnectRequestLocked); request != nil {
		t.Fatal("no audio setup before initial loading finished")
	}
}
