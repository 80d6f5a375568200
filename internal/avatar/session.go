package avatar

import "context"

// AudioSink is a destination for the voice session's synthesized speech.
type AudioSink interface {
	Name() string
}

// VoiceSession is the live conversation the avatar attaches to. The avatar
// only redirects its audio output; it never owns the session lifecycle.
type VoiceSession interface {
	ID() string
	AudioOutput() AudioSink
	SetAudioOutput(AudioSink)
}

// Room is the real-time room the avatar joins as a second participant.
type Room interface {
	Name() string
	URL() string
}

// SessionRequest carries everything a backend needs to open an avatar session.
type SessionRequest struct {
	Provider            ProviderType      `json:"provider"`
	ParticipantIdentity string            `json:"participant_identity"`
	ParticipantName     string            `json:"participant_name"`
	Params              map[string]string `json:"params,omitempty"`
}

// Backend is the rendering service capability (a vendor SDK, a bridge worker,
// a local renderer process).
type Backend interface {
	Open(ctx context.Context, req SessionRequest) (Handle, error)
}

// Handle is one open backend session. It is owned by exactly one provider.
type Handle interface {
	// Join publishes the avatar audio/video participant into room and returns
	// the sink the voice session audio must be routed to.
	Join(ctx context.Context, room Room) (AudioSink, error)
	// Ready blocks until the backend reports that frames are flowing.
	Ready(ctx context.Context) error
	Close(ctx context.Context) error
}

// NamedSink is a plain AudioSink identified by name.
type NamedSink string

func (s NamedSink) Name() string { return string(s) }
