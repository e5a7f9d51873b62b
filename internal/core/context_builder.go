package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"echo.app/echo-server/internal/utils"
)

type Language string

const (
	LanguageEnglish Language = "english"
	LanguageHindi   Language = "hindi"
)

// Romanized Hindi words that rarely appear in English text.
var hinglishMarkers = map[string]bool{
	"kya": true, "hai": true, "hain": true, "kaise": true, "kaisa": true, "kyun": true, "kyon": true,
	"nahi": true, "nahin": true, "mera": true, "meri": true, "mujhe": true, "aap": true, "tum": true,
	"kaun": true, "kab": true, "kahan": true, "batao": true, "bataiye": true, "samjhao": true,
	"kitna": true, "kitne": true, "kuch": true, "yeh": true, "woh": true, "aur": true, "ke": true,
}

// DetectLanguage picks the answer language for a question: any Devanagari, or
// at least two Hinglish markers, means Hindi.
func DetectLanguage(question string) Language {
	for _, r := range question {
		if unicode.Is(unicode.Devanagari, r) {
			return LanguageHindi
		}
	}
	markers := 0
	for _, w := range strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if hinglishMarkers[w] {
			markers++
		}
	}
	if markers >= 2 {
		return LanguageHindi
	}
	return LanguageEnglish
}

const chatSystemInstruction = "You are ECHO, an assistant that answers questions using only the numbered context " +
	"passages supplied with each question. If the context does not contain the answer, say that you could not " +
	"find it in the provided material. Do not make up information. Cite the passages you used by their numbers, " +
	"for example [1] or [2][3]. Keep answers concise."

// SystemPrompt returns the fixed instruction plus the language directive.
func SystemPrompt(lang Language) string {
	switch lang {
	case LanguageHindi:
		return chatSystemInstruction + " The user is writing in Hindi. Respond in Hindi, using the same script " +
			"(Devanagari or Roman) as the question."
	default:
		return chatSystemInstruction + " Respond in English."
	}
}

// NothingFoundAnswer is returned without a completion call when retrieval is empty.
func NothingFoundAnswer(lang Language) string {
	if lang == LanguageHindi {
		return "माफ़ कीजिए, आपके दस्तावेज़ों में इस प्रश्न से संबंधित कोई जानकारी नहीं मिली।"
	}
	return "I couldn't find anything relevant to your question in the provided documents."
}

// BuildContext joins chunks as "[i] text" entries followed by their metadata,
// stopping before maxChars is exceeded. The first entry is always included,
// truncated when needed. It returns the block and the number of entries used.
func BuildContext(chunks []RetrievedChunk, maxChars int) (string, int) {
	var b strings.Builder
	used := 0
	for i, c := range chunks {
		entry := fmt.Sprintf("[%d] %s", i+1, utils.CollapseSpace(c.Text))
		if len(c.Metadata) > 0 {
			if meta, err := json.Marshal(c.Metadata); err == nil {
				entry += "\nmetadata: " + string(meta)
			}
		}
		sep := 0
		if b.Len() > 0 {
			sep = 2
		}
		if maxChars > 0 && b.Len()+sep+len(entry) > maxChars {
			if used == 0 {
				b.WriteString(utils.TruncateWords(entry, maxChars))
				used = 1
			}
			break
		}
		if sep > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry)
		used++
	}
	return b.String(), used
}

// BuildPrompt wraps the context block and the question into the user turn.
func BuildPrompt(contextBlock, question string) string {
	return "Context:\n" + contextBlock + "\n\nQuestion: " + question
}

// Source describes a context entry given to the model.
type Source struct {
	Index    int            `json:"index"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func sourcesOf(chunks []RetrievedChunk) []Source {
	sources := make([]Source, len(chunks))
	for i, c := range chunks {
		sources[i] = Source{Index: i + 1, Score: c.Score, Metadata: c.Metadata}
	}
	return sources
}
