package config

import (
	"testing"
	"time"
)

func TestApplyOverridesOnlyPresentKeys(t *testing.T) {
	p := Default().Parallel
	p.DataParallelRank = 1
	err := p.ApplyOverrides(map[string]any{
		"data_parallel_size":        4,
		"data_parallel_master_port": 31000,
		"not_a_field":               "ignored",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.DataParallelSize != 4 || p.DataParallelMasterPort != 31000 {
		t.Fatalf("overrides not applied: %+v", p)
	}
	if p.DataParallelRank != 1 || p.DataParallelMasterIP != DefaultMasterIP {
		t.Fatalf("absent keys changed: %+v", p)
	}
}

func TestApplyOverridesEmpty(t *testing.T) {
	p := Default().Parallel
	before := p
	if err := p.ApplyOverrides(nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p != before {
		t.Fatalf("empty delta changed config")
	}
}

func TestWorldSize(t *testing.T) {
	cases := []struct {
		tp, pp, want int
	}{
		{0, 0, 1},
		{1, 1, 1},
		{2, 1, 2},
		{4, 2, 8},
	}
	for _, c := range cases {
		p := ParallelConfig{TensorParallelSize: c.tp, PipelineParallelSize: c.pp}
		if got := p.WorldSize(); got != c.want {
			t.Fatalf("tp=%d pp=%d: got %d want %d", c.tp, c.pp, got, c.want)
		}
	}
}

func TestHandshakeTimeoutFallback(t *testing.T) {
	for _, s := range []string{"", "bogus", "-1s"} {
		e := EngineConfig{HandshakeTimeout: s}
		if got := e.HandshakeTimeoutDuration(); got != DefaultHandshakeTimeout {
			t.Fatalf("%q: got %v", s, got)
		}
	}
	if got := (EngineConfig{HandshakeTimeout: "2s"}).HandshakeTimeoutDuration(); got != 2*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	c := Default()
	c.Tracing.Exporter = "zipkin"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected exporter error")
	}
}
