package susanoo

import (
	"time"
)

// ConnectionRequest is one pending voice operation. There is at most one
// per guild; newer requests coalesce into it instead of queueing behind it.
type ConnectionRequest struct {
	GuildID     uint64
	ChannelID   uint64
	Stage       ConnectionStage
	NextAttempt int64 // unix ms; the request rests until then
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// QueueAudioConnect requests joining a voice channel.
func (s *Session) QueueAudioConnect(guildID, channelID uint64) {
	s.locked("There was an error queueing the audio connect", func() {
		request := s.queuedVoice[guildID]

		if request == nil {
			// starting a whole new connection
			s.queuedVoice[guildID] = &ConnectionRequest{
				GuildID:   guildID,
				ChannelID: channelID,
				Stage:     StageConnect,
			}
			return
		}
		if request.Stage == StageDisconnect {
			// if planned to disconnect, we want to reconnect
			request.Stage = StageReconnect
		}
		// in all cases, update to this channel
		request.ChannelID = channelID
	})
	s.wakeSender()
}

// QueueAudioReconnect forces a drop-and-rejoin of a voice channel.
func (s *Session) QueueAudioReconnect(guildID, channelID uint64) {
	s.locked("There was an error queueing the audio reconnect", func() {
		request := s.queuedVoice[guildID]

		if request == nil {
			s.queuedVoice[guildID] = &ConnectionRequest{
				GuildID:   guildID,
				ChannelID: channelID,
				Stage:     StageReconnect,
			}
			return
		}
		// no matter what was queued, it becomes a reconnect
		request.Stage = StageReconnect
		request.ChannelID = channelID
	})
	s.wakeSender()
}

// QueueAudioDisconnect requests leaving voice in the guild.
func (s *Session) QueueAudioDisconnect(guildID uint64) {
	s.locked("There was an error queueing the audio disconnect", func() {
		request := s.queuedVoice[guildID]

		if request == nil {
			s.queuedVoice[guildID] = &ConnectionRequest{
				GuildID: guildID,
				Stage:   StageDisconnect,
			}
			return
		}
		request.Stage = StageDisconnect
	})
	s.wakeSender()
}

// RemoveAudioConnection withdraws the pending request for a guild, if any.
// Guild-delete handling uses this so no further voice state updates are
// sent for a guild that is gone.
func (s *Session) RemoveAudioConnection(guildID uint64) *ConnectionRequest {
	return lockedResult(s, "There was an error cleaning up audio connections for deleted guild", func() *ConnectionRequest {
		request := s.queuedVoice[guildID]
		delete(s.queuedVoice, guildID)
		return request
	})
}

// UpdateAudioConnection ingests the server's VOICE_STATE_UPDATE response
// for our own user. connectedChannel is nil when the server confirmed a
// disconnect. It returns the request the update completed, if any.
func (s *Session) UpdateAudioConnection(guildID uint64, connectedChannel *uint64) *ConnectionRequest {
	return lockedResult(s, "There was an error updating the audio connection", func() *ConnectionRequest {
		return s.updateAudioConnection(guildID, connectedChannel)
	})
}

func (s *Session) updateAudioConnection(guildID uint64, connectedChannel *uint64) *ConnectionRequest {
	request := s.queuedVoice[guildID]
	if request == nil {
		return nil
	}

	if connectedChannel == nil {
		// The server confirmed a disconnect:
		//  -> a queued DISCONNECT is complete
		//  -> a queued RECONNECT becomes a CONNECT, due immediately
		//  -> anything else is not ours to consume
		switch request.Stage {
		case StageDisconnect:
			delete(s.queuedVoice, guildID)
			return request
		case StageReconnect:
			request.Stage = StageConnect
			request.NextAttempt = nowMillis()
		}
		return nil
	}

	if request.Stage == StageConnect && request.ChannelID == *connectedChannel {
		delete(s.queuedVoice, guildID)
		return request
	}
	// Response was for a channel we are no longer heading to.
	return nil
}

// nextAudioConnectRequestLocked returns the first request that is due and
// still viable. Requests whose guild or channel vanished, or where voice
// permission was lost, are removed and their cause reported to the bridge.
// Caller holds the queue lock.
func (s *Session) nextAudioConnectRequestLocked() *ConnectionRequest {
	// No audio setup before initial loading finished.
	if !s.IsReady() {
		return nil
	}

	now := nowMillis()
	for guildID, request := range s.queuedVoice {
		if request.NextAttempt > now {
			continue
		}

		if s.audio == nil {
			return request
		}

		if !s.audio.GuildExists(guildID) {
			delete(s.queuedVoice, guildID)
			s.audio.OnStatusChange(guildID, DisconnectedRemovedFromGuild)
			continue
		}

		if request.Stage != StageDisconnect {
			if !s.audio.ChannelExists(guildID, request.ChannelID) {
				delete(s.queuedVoice, guildID)
				s.audio.OnStatusChange(guildID, DisconnectedChannelDeleted)
				continue
			}
			if !s.audio.CanConnect(guildID, request.ChannelID) {
				delete(s.queuedVoice, guildID)
				s.audio.OnStatusChange(guildID, DisconnectedLostPermission)
				continue
			}
		}

		return request
	}

	return nil
}
