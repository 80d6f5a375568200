package protocol

import "time"

// VoiceSessionStarted announces a live voice conversation the avatar may attach to.
type VoiceSessionStarted struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	RoomURL   string    `json:"room_url"`
	Avatar    string    `json:"avatar,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceSessionEnded is published once the voice session has shut down.
type VoiceSessionEnded struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceOutputChanged tells the voice pipeline where to route synthesized speech.
type VoiceOutputChanged struct {
	SessionID string `json:"session_id"`
	Sink      string `json:"sink"`
}

// AvatarSwitch asks a running session to replace its avatar. An empty Avatar
// selects the configured default.
type AvatarSwitch struct {
	SessionID string `json:"session_id"`
	Avatar    string `json:"avatar,omitempty"`
}

type AvatarStatusRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type AvatarSessionStatus struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Provider    string `json:"provider,omitempty"`
	LastFailure string `json:"last_failure,omitempty"`
}

type AvatarStatusReply struct {
	Sessions []AvatarSessionStatus `json:"sessions"`
}

// AvatarOpenRequest asks a rendering worker to open a session for one provider.
type AvatarOpenRequest struct {
	Provider            string            `json:"provider"`
	ParticipantIdentity string            `json:"participant_identity"`
	ParticipantName     string            `json:"participant_name"`
	Params              map[string]string `json:"params,omitempty"`
}

type AvatarOpenReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type AvatarJoinRequest struct {
	Room    string `json:"room"`
	RoomURL string `json:"room_url"`
}

type AvatarJoinReply struct {
	Sink  string `json:"sink,omitempty"`
	Error string `json:"error,omitempty"`
}

type AvatarReadyRequest struct {
	TimeoutMS int `json:"timeout_ms"`
}

type AvatarReadyReply struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type AvatarCloseNotice struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectVoiceSessionStarted = "voice.session.started"
	SubjectVoiceSessionEnded   = "voice.session.ended"
	SubjectAvatarSwitch        = "avatar.switch"
	SubjectAvatarStatus        = "avatar.status"
	SubjectAvatarOpen          = "avatar.session.open"
)

func VoiceOutputSubject(sessionID string) string {
	return "voice.session." + sessionID + ".output"
}

func AvatarJoinSubject(sessionID string) string {
	return "avatar.session." + sessionID + ".join"
}

func AvatarReadySubject(sessionID string) string {
	return "avatar.session." + sessionID + ".ready"
}

func AvatarCloseSubject(sessionID string) string {
	return "avatar.session." + sessionID + ".close"
}

// AvatarWorkerAnnounce advertises a rendering worker and the providers it
// serves. An empty Providers list means every provider.
type AvatarWorkerAnnounce struct {
	WorkerID  string    `json:"worker_id"`
	Kind      string    `json:"kind"`
	Providers []string  `json:"providers,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AvatarWorkerHeartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

const SubjectAvatarWorkerAnnounce = "avatar.worker.announce"

func AvatarWorkerHeartbeatSubject(workerID string) string {
	return "avatar.worker.heartbeat." + workerID
}

// SubjectAvatarWorkerDiscover asks every worker to announce itself again.
const SubjectAvatarWorkerDiscover = "avatar.worker.discover"
