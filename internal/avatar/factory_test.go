package avatar

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestFactory(b Backend, opts ...FactoryOption) *Factory {
	opts = append([]FactoryOption{WithLookupEnv(noEnv), WithFactoryLogger(discardLogger())}, opts...)
	return NewFactory(b, opts...)
}

func TestFactoryCreatesEveryProvider(t *testing.T) {
	cases := []struct {
		provider ProviderType
		params   map[string]string
		identity string
	}{
		{ProviderBeyondPresence, map[string]string{"avatar_id": "b1", "api_key": "k"}, "bey-avatar-agent"},
		{ProviderAnam, map[string]string{"avatar_id": "a1", "name": "Kai", "api_key": "k"}, "anam-avatar-agent"},
		{ProviderBitHuman, map[string]string{"model_path": "/models/kai.imx", "api_secret": "s"}, "bithuman-avatar-agent"},
		{ProviderHedra, map[string]string{"avatar_id": "h1", "api_key": "k"}, "hedra-avatar-agent"},
		{ProviderSimli, map[string]string{"face_id": "f1", "api_key": "k"}, "simli-avatar-agent"},
		{ProviderTavus, map[string]string{"replica_id": "r1", "api_key": "k"}, "tavus-avatar-agent"},
	}
	for _, tc := range cases {
		t.Run(string(tc.provider), func(t *testing.T) {
			r := require.New(t)
			backend := &mockBackend{}
			backend.On("Open", mock.Anything, mock.Anything).Return(readyHandle("sink"), nil)

			p, err := newTestFactory(backend).Create(Record{Provider: tc.provider, Enabled: true, Params: tc.params})
			r.NoError(err)
			r.Equal(tc.provider, p.Type())
			r.Equal(StateCreated, p.State())

			_, err = p.CreateSession(context.Background())
			r.NoError(err)
			req := backend.lastRequest()
			r.Equal(tc.provider, req.Provider)
			r.Equal(tc.identity, req.ParticipantIdentity)
			r.Equal(tc.identity, req.ParticipantName)
		})
	}
}

func TestFactoryMissingKeys(t *testing.T) {
	r := require.New(t)
	backend := &mockBackend{}

	p, err := newTestFactory(backend).Create(Record{
		Provider: ProviderAnam,
		Enabled:  true,
		Params:   map[string]string{"avatar_id": "  "},
	})
	r.Nil(p)
	r.ErrorIs(err, ErrConfiguration)

	var cfgErr *ConfigurationError
	r.True(errors.As(err, &cfgErr))
	r.Equal(ProviderAnam, cfgErr.Provider)
	r.Equal([]string{"api_key (or $ANAM_API_KEY)", "avatar_id", "name"}, cfgErr.Missing)
	backend.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestFactoryUnsupportedProvider(t *testing.T) {
	r := require.New(t)
	_, err := newTestFactory(&mockBackend{}).Create(Record{Provider: "heygen", Enabled: true})
	r.ErrorIs(err, ErrUnsupportedProvider)

	var unsupported *UnsupportedProviderError
	r.True(errors.As(err, &unsupported))
	r.Equal(Supported(), unsupported.Supported)
	r.Contains(err.Error(), "bey")
}

func TestFactoryCredentialFromEnvironment(t *testing.T) {
	r := require.New(t)
	env := map[string]string{"BEY_API_KEY": "from-env", "KAI_SIMLI_KEY": "expanded"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	backend := &mockBackend{}
	backend.On("Open", mock.Anything, mock.Anything).Return(readyHandle("sink"), nil)
	factory := newTestFactory(backend, WithLookupEnv(lookup))

	p, err := factory.Create(Record{Provider: ProviderBeyondPresence, Params: map[string]string{"avatar_id": "b1"}})
	r.NoError(err)
	_, err = p.CreateSession(context.Background())
	r.NoError(err)
	r.Equal("from-env", backend.lastRequest().Params["api_key"])

	p, err = factory.Create(Record{Provider: ProviderSimli, Params: map[string]string{"face_id": "f1", "api_key": "${KAI_SIMLI_KEY}"}})
	r.NoError(err)
	_, err = p.CreateSession(context.Background())
	r.NoError(err)
	r.Equal("expanded", backend.lastRequest().Params["api_key"])

	_, err = factory.Create(Record{Provider: ProviderHedra, Params: map[string]string{"avatar_id": "h1", "api_key": "$UNSET"}})
	r.ErrorIs(err, ErrConfiguration)
}

func TestFactoryParticipantOverrides(t *testing.T) {
	r := require.New(t)
	backend := &mockBackend{}
	backend.On("Open", mock.Anything, mock.Anything).Return(readyHandle("sink"), nil)

	rec := beyRecord()
	rec.ParticipantIdentity = "kai-face"
	rec.ParticipantName = "Kai"
	p, err := newTestFactory(backend).Create(rec)
	r.NoError(err)
	_, err = p.CreateSession(context.Background())
	r.NoError(err)

	req := backend.lastRequest()
	r.Equal("kai-face", req.ParticipantIdentity)
	r.Equal("Kai", req.ParticipantName)
}

func TestFactoryAnamPersonaParams(t *testing.T) {
	r := require.New(t)
	backend := &mockBackend{}
	backend.On("Open", mock.Anything, mock.Anything).Return(readyHandle("sink"), nil)

	p, err := newTestFactory(backend).Create(Record{
		Provider: ProviderAnam,
		Params:   map[string]string{"avatar_id": "a1", "name": "Cara", "api_key": "k"},
	})
	r.NoError(err)
	anam, ok := p.(*Anam)
	r.True(ok)
	r.Equal("Cara", anam.PersonaName)

	_, err = p.CreateSession(context.Background())
	r.NoError(err)
	params := backend.lastRequest().Params
	r.Equal("a1", params["persona.avatar_id"])
	r.Equal("Cara", params["persona.name"])
	r.NotContains(params, "name")
}

func TestFactoryDoesNotShareRecordParams(t *testing.T) {
	r := require.New(t)
	backend := &mockBackend{}
	backend.On("Open", mock.Anything, mock.Anything).Return(readyHandle("sink"), nil)

	rec := beyRecord()
	p, err := newTestFactory(backend).Create(rec)
	r.NoError(err)
	rec.Params["avatar_id"] = "mutated"

	_, err = p.CreateSession(context.Background())
	r.NoError(err)
	r.Equal("abc", backend.lastRequest().Params["avatar_id"])
}

func TestFactoryBackendRouting(t *testing.T) {
	r := require.New(t)

	_, err := newTestFactory(nil).Create(beyRecord())
	r.ErrorIs(err, ErrConfiguration)
	r.Contains(err.Error(), "no rendering backend")

	local := &mockBackend{}
	local.On("Open", mock.Anything, mock.Anything).Return(readyHandle("local"), nil)
	remote := &mockBackend{}

	p, err := newTestFactory(remote, WithBackend(ProviderBitHuman, local)).Create(Record{
		Provider: ProviderBitHuman,
		Params:   map[string]string{"model_path": "/m.imx", "api_secret": "s"},
	})
	r.NoError(err)
	_, err = p.CreateSession(context.Background())
	r.NoError(err)
	local.AssertNumberOfCalls(t, "Open", 1)
	remote.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestRequiredKeys(t *testing.T) {
	r := require.New(t)
	keys, ok := RequiredKeys(ProviderTavus)
	r.True(ok)
	r.Equal([]string{"replica_id", "api_key"}, keys)

	_, ok = RequiredKeys("nope")
	r.False(ok)
	r.Len(Supported(), 6)
}
