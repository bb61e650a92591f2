package policy

import (
	"strings"
	"testing"
)

func kidFlags() Flags {
	return Flags{KidFriendly: true, Language: "en"}
}

func TestKidSafe_FilterIn_Allows(t *testing.T) {
	ks := NewKidSafe(nil)

	inputs := []string{
		"Hello, how are you?",
		"Tell me about dinosaurs",
		"What's your favorite color?",
		"Can we sing a song together",
	}
	for _, in := range inputs {
		d := ks.FilterIn(in, kidFlags())
		if !d.Allowed {
			t.Errorf("FilterIn(%q) rejected, want allowed", in)
		}
		if d.Text != in {
			t.Errorf("FilterIn(%q) rewrote allowed text to %q", in, d.Text)
		}
	}
}

func TestKidSafe_FilterIn_BlocksExactTerms(t *testing.T) {
	ks := NewKidSafe(nil)

	inputs := []string{
		"tell me about guns", // plural of a blocked term
		"where can I buy a knife",
		"I hate my brother",
		"what the hell",
	}
	for _, in := range inputs {
		d := ks.FilterIn(in, kidFlags())
		if d.Allowed {
			t.Errorf("FilterIn(%q) allowed, want rejected", in)
			continue
		}
		if d.Text != RedirectMessage {
			t.Errorf("FilterIn(%q) text = %q, want the canonical redirect", in, d.Text)
		}
		if d.Reason != "blocked_term" {
			t.Errorf("FilterIn(%q) reason = %q", in, d.Reason)
		}
	}
}

func TestKidSafe_FilterIn_CatchesPhoneticVariants(t *testing.T) {
	ks := NewKidSafe(nil)

	// STT mangles words; close phonetic variants must still be caught.
	variants := []string{
		"he has a gunn",
		"a sharp knive",
	}
	for _, in := range variants {
		if d := ks.FilterIn(in, kidFlags()); d.Allowed {
			t.Errorf("FilterIn(%q) allowed, want rejected as phonetic variant", in)
		}
	}

	// Phonetically distant words sharing letters must not be caught.
	safe := []string{
		"I got a gift",
		"the knight rode away",
		"a healthy heart",
	}
	for _, in := range safe {
		if d := ks.FilterIn(in, kidFlags()); !d.Allowed {
			t.Errorf("FilterIn(%q) rejected, want allowed", in)
		}
	}
}

func TestKidSafe_FilterIn_ExtraTerms(t *testing.T) {
	ks := NewKidSafe([]string{"broccoli"})

	if d := ks.FilterIn("I love broccoli", kidFlags()); d.Allowed {
		t.Error("extra blocked term not enforced")
	}
}

func TestKidSafe_FilterIn_KidFriendlyOff(t *testing.T) {
	ks := NewKidSafe(nil)

	d := ks.FilterIn("tell me about guns", Flags{KidFriendly: false})
	if !d.Allowed {
		t.Error("filter applied with kid-friendly mode off")
	}
}

func TestKidSafe_OutStream_MasksBlockedTerms(t *testing.T) {
	ks := NewKidSafe(nil)
	st := ks.NewOutStream(kidFlags())

	got := st.Filter("the knight drew his knife and ") + st.Flush()
	if strings.Contains(got, "knife") {
		t.Errorf("output %q still contains the blocked term", got)
	}
	if !strings.Contains(got, "***") {
		t.Errorf("output %q has no mask", got)
	}
	if !strings.Contains(got, "knight") {
		t.Errorf("output %q lost a safe word", got)
	}
}

func TestKidSafe_OutStream_ChunkBoundarySplit(t *testing.T) {
	ks := NewKidSafe(nil)
	st := ks.NewOutStream(kidFlags())

	// "knife" arrives split across two chunks.
	var b strings.Builder
	b.WriteString(st.Filter("he took the kni"))
	b.WriteString(st.Filter("fe from the drawer."))
	b.WriteString(st.Flush())

	got := b.String()
	if strings.Contains(got, "knife") {
		t.Errorf("split blocked term escaped unmasked: %q", got)
	}
	if !strings.Contains(got, "drawer") {
		t.Errorf("output %q lost trailing text", got)
	}
}

func TestKidSafe_OutStream_PreservesCleanText(t *testing.T) {
	ks := NewKidSafe(nil)
	st := ks.NewOutStream(kidFlags())

	in1, in2 := "Dinosaurs lived millions of ", "years ago."
	got := st.Filter(in1) + st.Filter(in2) + st.Flush()
	if got != in1+in2 {
		t.Errorf("clean text altered: %q", got)
	}
}

func TestKidSafe_OutStream_KidFriendlyOff(t *testing.T) {
	ks := NewKidSafe(nil)
	st := ks.NewOutStream(Flags{KidFriendly: false})

	in := "he drew his knife"
	if got := st.Filter(in) + st.Flush(); got != in {
		t.Errorf("passthrough stream altered text: %q", got)
	}
}

func TestPassthrough(t *testing.T) {
	var p Passthrough

	d := p.FilterIn("anything at all", Flags{KidFriendly: true})
	if !d.Allowed || d.Text != "anything at all" {
		t.Errorf("Passthrough.FilterIn = %+v", d)
	}

	st := p.NewOutStream(Flags{})
	if got := st.Filter("chunk") + st.Flush(); got != "chunk" {
		t.Errorf("Passthrough stream = %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Hello, World! don't stop")
	want := []string{"hello", "world", "don't", "stop"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
