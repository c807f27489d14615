package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marrow-labs/homegate/internal/archive"
	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/contextasm"
	"github.com/marrow-labs/homegate/internal/extractor"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/runtime"
	"github.com/marrow-labs/homegate/internal/sessionbuffer"
	"github.com/marrow-labs/homegate/internal/sessionlog"
	"github.com/marrow-labs/homegate/internal/worldmodel"
)

// core holds the component graph every command that touches the agent's
// state builds the same way: static config, providers, the single
// AgentRuntime, and the SessionLog/SessionBuffer/WorldModel/Archive/
// ContextAssembler/Extractor/RequestQueue stack SessionRouter sits on top
// of. start builds a Router on top of this wired to the ChannelHub and
// ManagementAPI; chat/talk/coding/resume build a Router wired to a
// stdout-printing Deliverer instead.
type core struct {
	cfg      *config.Config
	store    *config.Store
	dataDir  string
	registry *providers.Registry
	rt       *runtime.Runtime
	wm       *worldmodel.WorldModel
	ar       *archive.Archive
	log      *sessionlog.Log
	buf      *sessionbuffer.Buffer
	asm      *contextasm.Assembler
	ex       *extractor.Extractor
	queue    *requestqueue.Queue
}

// buildCore loads cfg's on-disk state into memory and wires every
// component up through the RequestQueue. It does not start any
// goroutines; call core.queue.Start separately once a context is ready.
func buildCore(cfg *config.Config) (*core, error) {
	dataDir := config.ExpandHome(cfg.State.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	registry := providers.NewRegistry()
	registerProviders(registry, cfg)
	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no provider configured: set an API key via config or HOMEGATE_*_API_KEY")
	}

	store := config.NewStore(dataDir)

	primary, fallback, err := resolveModelRefs(cfg, store, registry)
	if err != nil {
		return nil, err
	}

	wmPath := cfg.State.WorldModelPath
	if wmPath == "" {
		wmPath = filepath.Join(dataDir, "state", "world-model.md")
	}
	arPath := cfg.State.ArchivePath
	if arPath == "" {
		arPath = filepath.Join(dataDir, "state", "archive.db")
	}
	if err := os.MkdirAll(filepath.Dir(wmPath), 0o755); err != nil {
		return nil, fmt.Errorf("world model dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(arPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}

	ar, err := archive.Open(arPath)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	sessionsDir := filepath.Join(dataDir, "sessions")
	sessLog, err := sessionlog.New(sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("session log: %w", err)
	}

	capacity := cfg.State.ConversationHistory
	if capacity <= 0 {
		capacity = 10
	}
	buf := sessionbuffer.New(capacity)
	wm := worldmodel.New(wmPath)
	asm := contextasm.New(wm, buf)

	rt := runtime.New(primary.Provider)
	rt.SetTransformContext(asm.Transform)

	queue := requestqueue.New(rt, primary, fallback)

	ex := extractor.New(extractor.Config{
		Enabled:       cfg.State.ExtractionEnabled,
		WorldModel:    wm,
		Archive:       ar,
		Providers:     []providers.Provider{primary.Provider},
		ProviderNames: []string{primary.Provider.Name()},
		Timeout:       time.Duration(cfg.State.ExtractionTimeoutMs) * time.Millisecond,
	})

	return &core{
		cfg:      cfg,
		store:    store,
		dataDir:  dataDir,
		registry: registry,
		rt:       rt,
		wm:       wm,
		ar:       ar,
		log:      sessLog,
		buf:      buf,
		asm:      asm,
		ex:       ex,
		queue:    queue,
	}, nil
}

// registerProviders builds one providers.Provider per ProvidersConfig entry
// that carries an API key. The OpenAI-compatible entries (OpenRouter, Groq,
// DeepSeek) all share providers.NewOpenAIProvider with their own default
// API base, matching the teacher's single OpenAIProvider-for-everything
// approach (cmd/gateway_providers.go in the retrieved pack never shipped,
// but internal/providers/openai.go's doc comment names exactly this set of
// OpenAI-compatible backends).
func registerProviders(registry *providers.Registry, cfg *config.Config) {
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{}
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		registry.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...))
	}
	if p.OpenAI.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.APIBase, "gpt-4o"))
	}
	if p.OpenRouter.APIKey != "" {
		base := p.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		registry.Register(providers.NewOpenAIProvider("openrouter", p.OpenRouter.APIKey, base, "anthropic/claude-sonnet-4.5"))
	}
	if p.Groq.APIKey != "" {
		base := p.Groq.APIBase
		if base == "" {
			base = "https://api.groq.com/openai/v1"
		}
		registry.Register(providers.NewOpenAIProvider("groq", p.Groq.APIKey, base, "llama-3.3-70b-versatile"))
	}
	if p.Gemini.APIKey != "" {
		base := p.Gemini.APIBase
		if base == "" {
			base = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		registry.Register(providers.NewOpenAIProvider("gemini", p.Gemini.APIKey, base, "gemini-2.5-pro"))
	}
	if p.DeepSeek.APIKey != "" {
		base := p.DeepSeek.APIBase
		if base == "" {
			base = "https://api.deepseek.com/v1"
		}
		registry.Register(providers.NewOpenAIProvider("deepseek", p.DeepSeek.APIKey, base, "deepseek-chat"))
	}
}

// resolveModelRefs picks the primary model (DEFAULT_PROVIDER/DEFAULT_MODEL
// override, else the first registered provider) and the persisted
// fallback chain from ConfigStore.
func resolveModelRefs(cfg *config.Config, store *config.Store, registry *providers.Registry) (requestqueue.ModelRef, []requestqueue.ModelRef, error) {
	names := registry.Names()
	primaryName := cfg.DefaultProviderOverride()
	if primaryName == "" {
		// Registry.Names has no fixed order; take registerProviders' order.
		primaryName = names[0]
		for _, n := range []string{"anthropic", "openai", "openrouter", "groq", "gemini", "deepseek"} {
			if _, ok := registry.Get(n); ok {
				primaryName = n
				break
			}
		}
	}
	p, ok := registry.Get(primaryName)
	if !ok {
		return requestqueue.ModelRef{}, nil, fmt.Errorf("default provider %q is not registered", primaryName)
	}
	model := cfg.DefaultModelOverride()
	if model == "" {
		model = p.DefaultModel()
	}
	primary := requestqueue.ModelRef{Ref: p.Name() + "/" + model, Provider: p, Model: model}

	var fallback []requestqueue.ModelRef
	for _, raw := range store.Fallbacks() {
		providerName, modelName, _ := strings.Cut(raw, "/")
		fp, ok := registry.Get(providerName)
		if !ok {
			continue
		}
		if modelName == "" {
			modelName = fp.DefaultModel()
		}
		fallback = append(fallback, requestqueue.ModelRef{Ref: raw, Provider: fp, Model: modelName})
	}
	return primary, fallback, nil
}
