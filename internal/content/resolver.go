package content

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
)

// ErrNotFound means no content exists for the tuple in any language the
// fallback chain covers.
var ErrNotFound = errors.New("content: not found")

// ErrTemplated means the text still contains unresolved {{var}} placeholders
// and must not be cached: the rendered value differs per call.
var ErrTemplated = errors.New("content: text contains unresolved template variables")

// Resolved is the playable form of one content tuple.
type Resolved struct {
	Text     string // set when no audio exists; synthesize this
	AudioURL string // set when pre-rendered audio exists; play this
	Language string // language actually served, after fallback
}

// AudioRegistrar records a synthesized audio reference with the catalog so
// future sessions resolve it without re-synthesizing.
type AudioRegistrar interface {
	RegisterAudio(ctx context.Context, entry catalog.ContentEntry) error
}

type cacheKey struct {
	entityType, entityID, field, lang string
}

// Resolver serves localized content with a fixed fallback chain:
// requested-language audio, requested-language text, default-language audio,
// default-language text. Audio cached within this process is consulted
// before the catalog snapshot.
type Resolver struct {
	storage   Storage        // nil disables audio caching
	registrar AudioRegistrar // nil skips catalog registration
	log       *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]catalog.ContentEntry // append only
}

// NewResolver builds a content resolver.
func NewResolver(storage Storage, registrar AudioRegistrar, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		storage:   storage,
		registrar: registrar,
		log:       log,
		cache:     make(map[cacheKey]catalog.ContentEntry),
	}
}

// Resolve walks the fallback chain for the tuple. A missing translation
// degrades to the default language rather than failing the dialogue.
func (r *Resolver) Resolve(cat *catalog.Catalog, entityType, entityID, field, lang string) (Resolved, error) {
	if cat == nil {
		return Resolved{}, ErrNotFound
	}
	if lang == "" {
		lang = cat.DefaultLanguage
	}

	langs := []string{lang}
	if lang != cat.DefaultLanguage {
		langs = append(langs, cat.DefaultLanguage)
	}
	for _, l := range langs {
		e := r.find(cat, entityType, entityID, field, l)
		if e == nil {
			continue
		}
		if e.AudioURL != "" {
			return Resolved{AudioURL: e.AudioURL, Text: e.Text, Language: l}, nil
		}
		if e.Text != "" {
			return Resolved{Text: e.Text, Language: l}, nil
		}
	}
	return Resolved{}, fmt.Errorf("%w: %s/%s/%s lang=%s", ErrNotFound, entityType, entityID, field, lang)
}

func (r *Resolver) find(cat *catalog.Catalog, entityType, entityID, field, lang string) *catalog.ContentEntry {
	r.mu.Lock()
	cached, ok := r.cache[cacheKey{entityType, entityID, field, lang}]
	r.mu.Unlock()
	if ok {
		return &cached
	}
	return cat.FindContent(entityType, entityID, field, lang)
}

// CacheSynthesizedAudio uploads the mu-law rendering of a content entry,
// remembers it locally and registers it with the catalog. Text with
// unresolved {{var}} placeholders is refused. Registration failure is not
// fatal: the local cache still serves this process.
func (r *Resolver) CacheSynthesizedAudio(ctx context.Context, entry catalog.ContentEntry, mulaw []byte) (string, error) {
	if Templated(entry.Text) {
		return "", ErrTemplated
	}
	if r.storage == nil {
		return "", errors.New("content: no storage configured")
	}
	if len(mulaw) == 0 {
		return "", errors.New("content: empty audio")
	}

	objectKey := fmt.Sprintf("tts/%s/%s/%s_%s.ulaw", entry.EntityType, entry.EntityID, entry.Field, entry.Language)
	url, err := r.storage.Upload(ctx, objectKey, "audio/basic", mulaw)
	if err != nil {
		return "", fmt.Errorf("content: cache audio: %w", err)
	}
	entry.AudioURL = url

	r.mu.Lock()
	r.cache[cacheKey{entry.EntityType, entry.EntityID, entry.Field, entry.Language}] = entry
	r.mu.Unlock()

	if r.registrar != nil {
		if err := r.registrar.RegisterAudio(ctx, entry); err != nil {
			r.log.Warn("audio registration failed, serving from local cache only",
				zap.String("object", objectKey), zap.Error(err))
		}
	}
	return url, nil
}
