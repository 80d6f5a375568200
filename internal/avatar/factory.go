package avatar

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultReadyTimeout bounds how long a provider waits for its backend to
// report frames flowing.
const DefaultReadyTimeout = 20 * time.Second

type credential struct {
	param string
	env   string
}

type providerSpec struct {
	required    []string
	credential  credential
	participant string
	build       func(binding) Provider
}

// providerTable is the single dispatch point from provider tag to backend
// variant. A new backend is one entry here plus its constructor.
var providerTable = map[ProviderType]providerSpec{
	ProviderBeyondPresence: {
		required:    []string{"avatar_id"},
		credential:  credential{param: "api_key", env: "BEY_API_KEY"},
		participant: "bey-avatar-agent",
		build:       newBeyondPresence,
	},
	ProviderAnam: {
		required:    []string{"avatar_id", "name"},
		credential:  credential{param: "api_key", env: "ANAM_API_KEY"},
		participant: "anam-avatar-agent",
		build:       newAnam,
	},
	ProviderBitHuman: {
		required:    []string{"model_path"},
		credential:  credential{param: "api_secret", env: "BITHUMAN_API_SECRET"},
		participant: "bithuman-avatar-agent",
		build:       newBitHuman,
	},
	ProviderHedra: {
		required:    []string{"avatar_id"},
		credential:  credential{param: "api_key", env: "HEDRA_API_KEY"},
		participant: "hedra-avatar-agent",
		build:       newHedra,
	},
	ProviderSimli: {
		required:    []string{"face_id"},
		credential:  credential{param: "api_key", env: "SIMLI_API_KEY"},
		participant: "simli-avatar-agent",
		build:       newSimli,
	},
	ProviderTavus: {
		required:    []string{"replica_id"},
		credential:  credential{param: "api_key", env: "TAVUS_API_KEY"},
		participant: "tavus-avatar-agent",
		build:       newTavus,
	},
}

// Supported lists the known provider tags in sorted order.
func Supported() []ProviderType {
	keys := lo.Keys(providerTable)
	slices.Sort(keys)
	return keys
}

// RequiredKeys returns the provider specific keys a record must carry,
// including the credential key. ok is false for unknown providers.
func RequiredKeys(p ProviderType) (keys []string, ok bool) {
	entry, ok := providerTable[p]
	if !ok {
		return nil, false
	}
	keys = append(keys, entry.required...)
	if entry.credential.param != "" {
		keys = append(keys, entry.credential.param)
	}
	return keys, true
}

// ProviderFactory turns a record into a fresh provider instance.
type ProviderFactory interface {
	Create(rec Record) (Provider, error)
}

// binding is what a provider constructor receives once a record validated.
type binding struct {
	record        Record
	values        map[string]string
	identity      string
	name          string
	credentialKey string
	backend       Backend
	readyTimeout  time.Duration
	logger        *slog.Logger
}

func (b binding) request(kind ProviderType) SessionRequest {
	params := cloneParams(b.record.Params)
	if params == nil {
		params = make(map[string]string)
	}
	if b.credentialKey != "" {
		params[b.credentialKey] = b.values[b.credentialKey]
	}
	return SessionRequest{
		Provider:            kind,
		ParticipantIdentity: b.identity,
		ParticipantName:     b.name,
		Params:              params,
	}
}

// Factory builds providers from records, binding each to its backend.
type Factory struct {
	backend      Backend
	overrides    map[ProviderType]Backend
	readyTimeout time.Duration
	lookupEnv    func(string) (string, bool)
	logger       *slog.Logger
}

type FactoryOption func(*Factory)

// WithBackend routes one provider tag to a dedicated backend.
func WithBackend(p ProviderType, b Backend) FactoryOption {
	return func(f *Factory) { f.overrides[p] = b }
}

func WithReadyTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		if d > 0 {
			f.readyTimeout = d
		}
	}
}

// WithLookupEnv replaces os.LookupEnv for credential resolution.
func WithLookupEnv(fn func(string) (string, bool)) FactoryOption {
	return func(f *Factory) { f.lookupEnv = fn }
}

func WithFactoryLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

func NewFactory(backend Backend, opts ...FactoryOption) *Factory {
	f := &Factory{
		backend:      backend,
		overrides:    make(map[ProviderType]Backend),
		readyTimeout: DefaultReadyTimeout,
		lookupEnv:    os.LookupEnv,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Create(rec Record) (Provider, error) {
	entry, ok := providerTable[rec.Provider]
	if !ok {
		return nil, &UnsupportedProviderError{Provider: rec.Provider, Supported: Supported()}
	}

	values := make(map[string]string, len(entry.required)+1)
	var missing []string
	for _, key := range entry.required {
		if v, ok := rec.Param(key); ok {
			values[key] = v
		} else {
			missing = append(missing, key)
		}
	}
	if entry.credential.param != "" {
		if v, ok := f.resolveCredential(rec, entry.credential); ok {
			values[entry.credential.param] = v
		} else {
			missing = append(missing, fmt.Sprintf("%s (or $%s)", entry.credential.param, entry.credential.env))
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, &ConfigurationError{Provider: rec.Provider, Missing: missing}
	}

	backend := f.backend
	if b, ok := f.overrides[rec.Provider]; ok {
		backend = b
	}
	if backend == nil {
		return nil, &ConfigurationError{Provider: rec.Provider, Reason: "no rendering backend configured"}
	}

	identity := lo.CoalesceOrEmpty(strings.TrimSpace(rec.ParticipantIdentity), entry.participant)
	name := lo.CoalesceOrEmpty(strings.TrimSpace(rec.ParticipantName), entry.participant)

	provider := entry.build(binding{
		record:        rec.Clone(),
		values:        values,
		identity:      identity,
		name:          name,
		credentialKey: entry.credential.param,
		backend:       backend,
		readyTimeout:  f.readyTimeout,
		logger:        f.logger,
	})
	f.logger.Debug("avatar provider created",
		slog.String("provider", string(rec.Provider)),
		slog.String("participant_identity", identity))
	return provider, nil
}

// resolveCredential reads the credential param, expanding $VAR references,
// and falls back to the provider's well known environment variable.
func (f *Factory) resolveCredential(rec Record, c credential) (string, bool) {
	if v, ok := rec.Param(c.param); ok {
		v = strings.TrimSpace(os.Expand(v, func(key string) string {
			s, _ := f.lookupEnv(key)
			return s
		}))
		if v != "" {
			return v, true
		}
	}
	if v, ok := f.lookupEnv(c.env); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}
