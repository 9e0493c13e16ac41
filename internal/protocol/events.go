// Package protocol defines the wire schema of the space event channel:
// event names, payloads, validation and the envelope codec.
package protocol

// Client -> server.
const (
	EventJoin           = "space:join"
	EventLeave          = "space:leave"
	EventStart          = "space:start"
	EventEnd            = "space:end"
	EventSubscribe      = "space:subscribe"
	EventUnsubscribe    = "space:unsubscribe"
	EventMute           = "audio:mute"
	EventSpeakerRequest = "speaker:request"
	EventSpeakerApprove = "speaker:approve"
	EventSpeakerDeny    = "speaker:deny"
	EventSpeakerDenyAll = "speaker:deny:all"
	EventSpeakerRemove  = "speaker:remove"
	EventPing           = "ping"
)

// Server -> client.
const (
	EventAck                    = "ack"
	EventPong                   = "pong"
	EventParticipantsUpdate     = "space:participants:update"
	EventParticipantMute        = "space:participant:mute"
	EventSpeakerRequestReceived = "speaker:request:received"
	EventSpeakerApproved        = "speaker:approved"
	EventSpeakerDenied          = "speaker:denied"
	EventSpeakerRemoved         = "speaker:removed"
	EventSpaceStarted           = "space:started"
	EventSpaceEnded             = "space:ended"
	EventUserJoined             = "space:user:joined"
	EventUserLeft               = "space:user:left"
)

// RequiresAck reports whether the client expects an ack for event.
// Fire-and-forget events fail silently and reconcile via the next snapshot.
func RequiresAck(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventStart, EventEnd,
		EventSpeakerApprove, EventSpeakerDeny, EventSpeakerDenyAll, EventSpeakerRemove,
		EventSubscribe, EventUnsubscribe:
		return true
	}
	return false
}
