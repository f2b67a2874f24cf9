package voice

// Inbound client voice actions.
const (
	ActionNotifyJoined  = "notify-joined"
	ActionNotifyLeft    = "notify-left"
	ActionNotifyMuted   = "notify-muted"
	ActionNotifyUnmuted = "notify-unmuted"
)

// Voice states broadcast to the room.
const (
	StateUserJoinedVoice  = "user-joined-voice"
	StateUserLeftVoice    = "user-left-voice"
	StateUserMutedAudio   = "user-muted-audio"
	StateUserUnmutedAudio = "user-unmuted-audio"
)

var broadcastStates = map[string]string{
	ActionNotifyJoined:  StateUserJoinedVoice,
	ActionNotifyLeft:    StateUserLeftVoice,
	ActionNotifyMuted:   StateUserMutedAudio,
	ActionNotifyUnmuted: StateUserUnmutedAudio,
}

// BroadcastState translates a client-reported action into the state broadcast to the room.
func BroadcastState(action string) (string, bool) {
	state, ok := broadcastStates[action]
	return state, ok
}
