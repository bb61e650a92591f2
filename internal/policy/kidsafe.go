package policy

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// RedirectMessage is the canonical reply spoken when kid-friendly mode
// rejects an utterance. Every rejected turn uses this exact text so the
// stored ai_text is predictable.
const RedirectMessage = "Let's talk about something else! What's your favorite animal?"

// mask replaces disallowed terms that slip into LLM output.
const mask = "***"

// defaultBlockedTerms is the built-in kid-friendly deny list. Deployments
// extend it via policy.extra_blocked_terms.
var defaultBlockedTerms = []string{
	"kill", "murder", "gun", "knife", "weapon", "blood", "violence",
	"drugs", "beer", "vodka", "cigarette", "gambling",
	"suicide", "death", "corpse",
	"hell", "damn", "stupid", "idiot", "hate",
}

// KidSafe blocks disallowed terms and rewrites unsafe topics. Safe for
// concurrent use; the matcher state is read-only after construction.
type KidSafe struct {
	terms []blockedTerm
}

// blockedTerm caches the phonetic codes of a deny-list entry so per-token
// matching stays cheap.
type blockedTerm struct {
	text      string
	primary   string
	secondary string
}

var _ Policy = (*KidSafe)(nil)

// NewKidSafe builds the kid-friendly policy. extraTerms are added to the
// built-in deny list; duplicates are harmless.
func NewKidSafe(extraTerms []string) *KidSafe {
	all := make([]string, 0, len(defaultBlockedTerms)+len(extraTerms))
	all = append(all, defaultBlockedTerms...)
	all = append(all, extraTerms...)

	ks := &KidSafe{terms: make([]blockedTerm, 0, len(all))}
	for _, t := range all {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		ks.terms = append(ks.terms, blockedTerm{text: t, primary: p, secondary: s})
	}
	return ks
}

// FilterIn rejects the utterance when any token matches the deny list. The
// returned Decision carries [RedirectMessage] so the caller can speak the
// redirect without consulting the LLM.
func (ks *KidSafe) FilterIn(text string, flags Flags) Decision {
	if !flags.KidFriendly {
		return Decision{Allowed: true, Text: text}
	}
	for _, tok := range tokenize(text) {
		if ks.isBlocked(tok) {
			return Decision{Allowed: false, Text: RedirectMessage, Reason: "blocked_term"}
		}
	}
	return Decision{Allowed: true, Text: text}
}

// NewOutStream returns the per-turn output filter. When kid-friendly mode is
// off the stream passes chunks through untouched.
func (ks *KidSafe) NewOutStream(flags Flags) OutStream {
	if !flags.KidFriendly {
		return passthroughStream{}
	}
	return &kidSafeStream{ks: ks}
}

// safeWords are known metaphone collisions with deny-list entries (the
// Scunthorpe problem). They are never blocked.
var safeWords = map[string]struct{}{
	"hello": {},
	"shell": {},
	"bell":  {},
}

// isBlocked reports whether a single lowercase token matches the deny list,
// exactly, as a plural, or as a close phonetic variant.
func (ks *KidSafe) isBlocked(tok string) bool {
	if len(tok) < 3 {
		return false
	}
	if _, ok := safeWords[tok]; ok {
		return false
	}
	stem := strings.TrimSuffix(tok, "s")
	p, s := matchr.DoubleMetaphone(tok)
	for _, bt := range ks.terms {
		if tok == bt.text || stem == bt.text {
			return true
		}
		// Phonetic variant within one edit, so STT manglings like "gunn"
		// or "knive" are caught but "gift" and "knight" are not.
		if codesMatch(p, s, bt) && matchr.Levenshtein(tok, bt.text) == 1 {
			return true
		}
	}
	return false
}

// codesMatch reports whether the token's Double Metaphone codes overlap the
// blocked term's codes.
func codesMatch(p, s string, bt blockedTerm) bool {
	if p != "" && (p == bt.primary || p == bt.secondary) {
		return true
	}
	if s != "" && (s == bt.primary || s == bt.secondary) {
		return true
	}
	return false
}

// tokenize splits text into lowercase word tokens, stripping punctuation.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

// kidSafeStream masks blocked terms in streamed output. A trailing partial
// word is held back until the next chunk so a term split across chunk
// boundaries cannot escape unmasked.
type kidSafeStream struct {
	ks    *KidSafe
	carry string
}

func (st *kidSafeStream) Filter(chunk string) string {
	text := st.carry + chunk
	st.carry = ""

	// Hold back the trailing token unless the chunk ends on a separator.
	if text != "" && !endsOnBoundary(text) {
		if i := lastBoundary(text); i >= 0 {
			st.carry = text[i+1:]
			text = text[:i+1]
		} else {
			st.carry = text
			return ""
		}
	}

	return st.maskBlocked(text)
}

func (st *kidSafeStream) Flush() string {
	text := st.carry
	st.carry = ""
	return st.maskBlocked(text)
}

// maskBlocked rewrites every blocked token in text to the mask, preserving
// all separators.
func (st *kidSafeStream) maskBlocked(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text))

	start := -1
	flushWord := func(end int) {
		if start < 0 {
			return
		}
		word := text[start:end]
		if st.ks.isBlocked(strings.ToLower(word)) {
			b.WriteString(mask)
		} else {
			b.WriteString(word)
		}
		start = -1
	}

	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flushWord(i)
		b.WriteRune(r)
	}
	flushWord(len(text))

	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '\''
}

func endsOnBoundary(text string) bool {
	runes := []rune(text)
	return !isWordRune(runes[len(runes)-1])
}

// lastBoundary returns the byte index of the last non-word rune, or -1.
func lastBoundary(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		// Separators of interest are all single-byte (space and
		// punctuation), so byte scanning is safe here.
		if !isWordRune(rune(text[i])) && text[i] < 0x80 {
			return i
		}
	}
	return -1
}
