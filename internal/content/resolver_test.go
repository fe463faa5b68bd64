package content

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
)

func chainCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		DefaultLanguage: "en",
		Content: []catalog.ContentEntry{
			{EntityType: "flow", EntityID: "f1", Field: "greet", Language: "ur", AudioURL: "https://cdn/ur.ulaw", Text: "salam"},
			{EntityType: "flow", EntityID: "f1", Field: "ask", Language: "ur", Text: "apna number batayen"},
			{EntityType: "flow", EntityID: "f1", Field: "greet", Language: "en", AudioURL: "https://cdn/en.ulaw", Text: "hello"},
			{EntityType: "flow", EntityID: "f1", Field: "ask", Language: "en", Text: "please say your number"},
			{EntityType: "flow", EntityID: "f1", Field: "bye", Language: "en", AudioURL: "https://cdn/bye.ulaw"},
		},
	}
}

func TestResolve_FallbackChain(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	cat := chainCatalog()

	// translated audio wins
	got, err := r.Resolve(cat, "flow", "f1", "greet", "ur")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/ur.ulaw", got.AudioURL)
	assert.Equal(t, "ur", got.Language)

	// translated text beats default-language audio
	got, err = r.Resolve(cat, "flow", "f1", "ask", "ur")
	require.NoError(t, err)
	assert.Empty(t, got.AudioURL)
	assert.Equal(t, "apna number batayen", got.Text)
	assert.Equal(t, "ur", got.Language)

	// untranslated tuple falls back to default-language audio
	got, err = r.Resolve(cat, "flow", "f1", "bye", "ur")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/bye.ulaw", got.AudioURL)
	assert.Equal(t, "en", got.Language)

	// default-language text is the last resort before ErrNotFound
	got, err = r.Resolve(cat, "flow", "f1", "ask", "fr")
	require.NoError(t, err)
	assert.Equal(t, "please say your number", got.Text)
	assert.Equal(t, "en", got.Language)

	_, err = r.Resolve(cat, "flow", "f1", "missing", "ur")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_EmptyLanguageUsesDefault(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	got, err := r.Resolve(chainCatalog(), "flow", "f1", "greet", "")
	require.NoError(t, err)
	assert.Equal(t, "en", got.Language)
}

type fakeStorage struct {
	gotKey, gotType string
	gotBody         []byte
	err             error
}

func (f *fakeStorage) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	f.gotKey, f.gotType, f.gotBody = key, contentType, body
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn/" + key, nil
}

type fakeRegistrar struct {
	entries []catalog.ContentEntry
	err     error
}

func (f *fakeRegistrar) RegisterAudio(ctx context.Context, e catalog.ContentEntry) error {
	f.entries = append(f.entries, e)
	return f.err
}

func TestCacheSynthesizedAudio_UploadsAndRegisters(t *testing.T) {
	st := &fakeStorage{}
	reg := &fakeRegistrar{}
	r := NewResolver(st, reg, nil)

	entry := catalog.ContentEntry{EntityType: "flow", EntityID: "f1", Field: "ask", Language: "ur", Text: "apna number batayen"}
	url, err := r.CacheSynthesizedAudio(context.Background(), entry, []byte{0xFF, 0xFF})
	require.NoError(t, err)
	assert.Contains(t, url, "tts/flow/f1/ask_ur.ulaw")
	assert.Equal(t, "audio/basic", st.gotType)
	require.Len(t, reg.entries, 1)
	assert.Equal(t, url, reg.entries[0].AudioURL)

	// later resolves serve the cached audio even though the catalog snapshot
	// still only carries text
	got, err := r.Resolve(chainCatalog(), "flow", "f1", "ask", "ur")
	require.NoError(t, err)
	assert.Equal(t, url, got.AudioURL)
}

func TestCacheSynthesizedAudio_RefusesTemplatedText(t *testing.T) {
	r := NewResolver(&fakeStorage{}, nil, nil)
	entry := catalog.ContentEntry{EntityType: "flow", EntityID: "f1", Field: "confirm", Language: "en",
		Text: "You said {{account_last4}}, is that right?"}
	_, err := r.CacheSynthesizedAudio(context.Background(), entry, []byte{0xFF})
	assert.ErrorIs(t, err, ErrTemplated)
}

func TestCacheSynthesizedAudio_RegistrationFailureIsNotFatal(t *testing.T) {
	st := &fakeStorage{}
	reg := &fakeRegistrar{err: errors.New("config api down")}
	r := NewResolver(st, reg, nil)

	entry := catalog.ContentEntry{EntityType: "flow", EntityID: "f1", Field: "ask", Language: "en", Text: "please say your number"}
	url, err := r.CacheSynthesizedAudio(context.Background(), entry, []byte{0xFF})
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}

func TestCacheSynthesizedAudio_StorageErrorPropagates(t *testing.T) {
	st := &fakeStorage{err: errors.New("bucket gone")}
	r := NewResolver(st, nil, nil)
	entry := catalog.ContentEntry{EntityType: "flow", EntityID: "f1", Field: "ask", Language: "en", Text: "x"}
	_, err := r.CacheSynthesizedAudio(context.Background(), entry, []byte{0xFF})
	assert.Error(t, err)
}
