package config

import (
	"errors"
	"testing"

	"github.com/calltide/calltide/pkg/provider/llm"
	llmmock "github.com/calltide/calltide/pkg/provider/llm/mock"
	"github.com/calltide/calltide/pkg/provider/stt"
	sttmock "github.com/calltide/calltide/pkg/provider/stt/mock"
)

func TestRegistry_CreateSTT(t *testing.T) {
	r := NewRegistry()
	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{ProviderName: "deepgram"}, nil
	})

	p, err := r.CreateSTT(ProviderEntry{Name: "deepgram"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p.Name() != "deepgram" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateLLM(ProviderEntry{Name: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	r := NewRegistry()
	var got ProviderEntry
	r.RegisterLLM("openai", func(entry ProviderEntry) (llm.Provider, error) {
		got = entry
		return &llmmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}
	if _, err := r.CreateLLM(entry); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if got.APIKey != "sk-test" || got.Model != "gpt-4o-mini" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	r := NewRegistry()
	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{ProviderName: "first"}, nil
	})
	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{ProviderName: "second"}, nil
	})

	p, err := r.CreateSTT(ProviderEntry{Name: "deepgram"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p.Name() != "second" {
		t.Errorf("Name() = %q, want the later registration to win", p.Name())
	}
}
