package config

import "testing"

func baseConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Routing.DefaultModel = "gpt-4o-mini"
	cfg.Routing.FallbackModel = "gpt-4o"
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	old := baseConfig()
	new := baseConfig()

	d := Diff(old, new)
	if d.Any() {
		t.Errorf("Diff of identical configs reported changes: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = LogDebug

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("expected log level change to debug, got %+v", d)
	}
	if d.InterruptChanged || d.RoutingChanged || d.PolicyChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestDiff_Interrupt(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Interrupt.AutoInterruptMs = 2000

	d := Diff(old, new)
	if !d.InterruptChanged {
		t.Fatal("expected interrupt change")
	}
	if d.NewInterrupt.AutoInterruptMs != 2000 {
		t.Errorf("NewInterrupt.AutoInterruptMs = %d, want 2000", d.NewInterrupt.AutoInterruptMs)
	}
}

func TestDiff_Routing(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Routing.ComplexityThreshold = 0.8

	d := Diff(old, new)
	if !d.RoutingChanged {
		t.Fatal("expected routing change")
	}
	if d.NewRouting.ComplexityThreshold != 0.8 {
		t.Errorf("NewRouting.ComplexityThreshold = %v, want 0.8", d.NewRouting.ComplexityThreshold)
	}
}

func TestDiff_PolicyBlockedTerms(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Policy.ExtraBlockedTerms = []string{"foo"}

	d := Diff(old, new)
	if !d.PolicyChanged {
		t.Fatal("expected policy change for new blocked term")
	}
	if len(d.NewPolicy.ExtraBlockedTerms) != 1 || d.NewPolicy.ExtraBlockedTerms[0] != "foo" {
		t.Errorf("NewPolicy.ExtraBlockedTerms = %v", d.NewPolicy.ExtraBlockedTerms)
	}

	// Same terms in the same order should not be flagged.
	old.Policy.ExtraBlockedTerms = []string{"foo"}
	if d := Diff(old, new); d.PolicyChanged {
		t.Error("identical blocked terms flagged as changed")
	}
}

func TestDiff_Any(t *testing.T) {
	if (ConfigDiff{}).Any() {
		t.Error("empty diff reported Any() = true")
	}
	if !(ConfigDiff{PolicyChanged: true}).Any() {
		t.Error("policy-only diff reported Any() = false")
	}
}
