package perception

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Parse_HappyPath(t *testing.T) {
	p := NewParser(DefaultConfig())

	out := p.Parse("The mine collapsed last winter, I'm afraid.", false)
	require.True(t, out.Success)
	assert.Equal(t, "The mine collapsed last winter, I'm afraid.", out.Dialogue)
	assert.Equal(t, "The mine collapsed last winter, I'm afraid.", out.RawText)
}

func TestParser_Parse_EmptyInput(t *testing.T) {
	p := NewParser(DefaultConfig())

	for _, raw := range []string{"", "   ", "\n\n\t"} {
		out := p.Parse(raw, false)
		assert.False(t, out.Success)
		assert.Equal(t, "empty output", out.FailureReason)
	}
}

func TestParser_Parse_MetaText(t *testing.T) {
	p := NewParser(DefaultConfig())

	t.Run("example answer rejected before cleanup", func(t *testing.T) {
		out := p.Parse("Example answer: I will help you.", false)
		require.False(t, out.Success)
		assert.Contains(t, out.FailureReason, "meta-text detected")
	})

	t.Run("note rejected", func(t *testing.T) {
		out := p.Parse("Of course. Note: this is fictional.", false)
		require.False(t, out.Success)
		assert.Contains(t, out.FailureReason, "meta-text detected")
	})

	t.Run("custom phrase list", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MetaTextPhrases = []string{"forbidden phrase"}
		p := NewParser(cfg)

		out := p.Parse("Example answer: fine under custom phrases.", false)
		assert.True(t, out.Success)

		out = p.Parse("This has the forbidden phrase inside.", false)
		assert.False(t, out.Success)
	})
}

func TestParser_Parse_MarkerExtraction(t *testing.T) {
	p := NewParser(DefaultConfig())

	t.Run("memory marker", func(t *testing.T) {
		out := p.Parse("I'll remember that. [MEMORY: the player asked about the mine]", false)
		require.True(t, out.Success)
		assert.Equal(t, "I'll remember that.", out.Dialogue)
		require.Len(t, out.Mutations, 1)
		assert.Equal(t, MutationAppendEpisodic, out.Mutations[0].Kind)
		assert.Equal(t, "the player asked about the mine", out.Mutations[0].Content)
		assert.InDelta(t, 0.8, out.Mutations[0].Confidence, 0.0001)
	})

	t.Run("belief marker with target", func(t *testing.T) {
		out := p.Parse("Perhaps so. [BELIEF: b_player | the player can be trusted]", false)
		require.True(t, out.Success)
		require.Len(t, out.Mutations, 1)
		assert.Equal(t, MutationTransformBelief, out.Mutations[0].Kind)
		assert.Equal(t, "b_player", out.Mutations[0].TargetID)
		assert.Equal(t, "the player can be trusted", out.Mutations[0].Content)
	})

	t.Run("intent marker", func(t *testing.T) {
		out := p.Parse("Follow me. [INTENT: move door_east]", false)
		require.True(t, out.Success)
		require.Len(t, out.Intents, 1)
		assert.Equal(t, "move", out.Intents[0].Type)
		assert.Equal(t, "door_east", out.Intents[0].Target)
	})

	t.Run("action marker with args", func(t *testing.T) {
		out := p.Parse("Here you go. [ACTION: give_item(rusty_key)]", false)
		require.True(t, out.Success)
		require.Len(t, out.FunctionCalls, 1)
		assert.Equal(t, "give_item", out.FunctionCalls[0].Name)
		assert.Equal(t, "rusty_key", out.FunctionCalls[0].Arguments["raw"])
	})

	t.Run("marker-only output fails", func(t *testing.T) {
		out := p.Parse("[MEMORY: something happened]", false)
		require.False(t, out.Success)
		assert.Equal(t, "output empty after marker extraction", out.FailureReason)
	})

	t.Run("extraction disabled leaves text alone", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExtractMarkers = false
		cfg.EnforceSingleLine = false
		p := NewParser(cfg)

		out := p.Parse("Noted. MEMORY tags stay put here.", false)
		require.True(t, out.Success)
		assert.Empty(t, out.Mutations)
	})
}

func TestNormalizeWhitespace(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		inputs := []string{
			"a\r\nb\r\nc",
			"line  \ntrailing\t\n",
			"\n\n\nleading blanks kept",
			"five\n\n\n\n\n\nblank lines",
		}
		for _, in := range inputs {
			once := NormalizeWhitespace(in)
			assert.Equal(t, once, NormalizeWhitespace(once))
		}
	})

	t.Run("five blank lines collapse to two", func(t *testing.T) {
		in := "before" + strings.Repeat("\n", 6) + "after"
		assert.Equal(t, "before\n\n\nafter", NormalizeWhitespace(in))
	})

	t.Run("crlf normalized", func(t *testing.T) {
		assert.Equal(t, "a\nb", NormalizeWhitespace("a\r\nb"))
	})

	t.Run("leading byte order mark stripped", func(t *testing.T) {
		assert.Equal(t, "hello", NormalizeWhitespace("\uFEFFhello"))
		assert.Equal(t, "a\uFEFFb", NormalizeWhitespace("a\uFEFFb"), "only the leading mark goes")
	})

	t.Run("trailing whitespace per line trimmed", func(t *testing.T) {
		assert.Equal(t, "a\nb", NormalizeWhitespace("a  \nb\t"))
	})

	t.Run("trailing newline survives", func(t *testing.T) {
		assert.Equal(t, "a\n", NormalizeWhitespace("a\n"))
	})
}

func TestParser_Parse_DialogueCleanup(t *testing.T) {
	p := NewParser(DefaultConfig())

	t.Run("stage directions stripped", func(t *testing.T) {
		out := p.Parse("*wipes the counter* Welcome back, traveler.", false)
		require.True(t, out.Success)
		assert.Equal(t, "Welcome back, traveler.", out.Dialogue)
	})

	t.Run("speaker label stripped", func(t *testing.T) {
		out := p.Parse("Mira: The road is closed tonight.", false)
		require.True(t, out.Success)
		assert.Equal(t, "The road is closed tonight.", out.Dialogue)
	})

	t.Run("single line enforced", func(t *testing.T) {
		out := p.Parse("First line stands alone.\nSecond line is dropped.", false)
		require.True(t, out.Success)
		assert.Equal(t, "First line stands alone.", out.Dialogue)
	})

	t.Run("internal whitespace collapsed", func(t *testing.T) {
		out := p.Parse("Too   many    spaces here.", false)
		require.True(t, out.Success)
		assert.Equal(t, "Too many spaces here.", out.Dialogue)
	})
}

func TestParser_Parse_SentenceCompletion(t *testing.T) {
	p := NewParser(DefaultConfig())

	t.Run("trailing fragment trimmed", func(t *testing.T) {
		out := p.Parse("The mine is closed. You should visit the", false)
		// "the" is a dangling word: hard failure, not a silent trim.
		require.False(t, out.Success)
		assert.Equal(t, "output truncated mid-sentence", out.FailureReason)
	})

	t.Run("non-dangling fragment trimmed to last sentence", func(t *testing.T) {
		out := p.Parse("The mine is closed. You should probably visit tomorrow maybe", false)
		require.True(t, out.Success)
		assert.Equal(t, "The mine is closed.", out.Dialogue)
	})

	t.Run("truncated output without terminal fails", func(t *testing.T) {
		out := p.Parse("I was going to tell you something important", true)
		require.False(t, out.Success)
		assert.Equal(t, "output truncated mid-sentence", out.FailureReason)
	})

	t.Run("untruncated output without terminal gets a period", func(t *testing.T) {
		out := p.Parse("I can tell you about it tomorrow", false)
		require.True(t, out.Success)
		assert.Equal(t, "I can tell you about it tomorrow.", out.Dialogue)
	})
}

func TestParser_Parse_FragmentRejection(t *testing.T) {
	p := NewParser(DefaultConfig())

	out := p.Parse("depending on the weather, we might leave.", false)
	require.False(t, out.Success)
	assert.Equal(t, "output is a sentence fragment", out.FailureReason)

	// Capitalized starts are never fragments.
	out = p.Parse("Depending on the weather, we might leave.", false)
	assert.True(t, out.Success)
}

func TestParsedOutput_CopyWithOverrides(t *testing.T) {
	p := NewParser(DefaultConfig())
	out := p.Parse("Noted. [MEMORY: one] [MEMORY: two]", false)
	require.True(t, out.Success)
	require.Len(t, out.Mutations, 2)

	filtered := out.WithMutations(out.Mutations[:1])
	assert.Len(t, filtered.Mutations, 1)
	assert.Len(t, out.Mutations, 2, "original must be untouched")
	assert.Equal(t, out.Dialogue, filtered.Dialogue)

	cleared := out.WithIntents(nil)
	assert.Empty(t, cleared.Intents)
}
