package pipeline

import (
	"testing"

	"github.com/tjfontaine/wchain/internal/config"
)

func TestRegistry_Reload(t *testing.T) {
	r := NewRegistry(BuildOptions{})

	if _, err := r.Get("a"); !IsNotFound(err) {
		t.Fatalf("Get() on empty registry error = %v", err)
	}

	err := r.Reload([]config.PipelineConfig{
		{Name: "b", Stages: stages("test_upper")},
		{Name: "a", Description: "first", Stages: stages("test_upper", "test_upper")},
	})
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
	c, err := r.Get("a")
	if err != nil || c.Len() != 2 {
		t.Fatalf("Get(a) = %v, %v", c, err)
	}
	if cfg, ok := r.Config("a"); !ok || cfg.Description != "first" {
		t.Errorf("Config(a) = %+v, %v", cfg, ok)
	}
}

func TestRegistry_FailedReloadKeepsCurrent(t *testing.T) {
	r := NewRegistry(BuildOptions{})
	if err := r.Reload([]config.PipelineConfig{{Name: "ok", Stages: stages("test_upper")}}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	before, _ := r.Get("ok")

	err := r.Reload([]config.PipelineConfig{{Name: "new", Stages: stages("nope")}})
	if err == nil {
		t.Fatal("expected Reload to fail")
	}

	after, err := r.Get("ok")
	if err != nil || after != before {
		t.Error("failed reload replaced the current pipelines")
	}
	if _, err := r.Get("new"); !IsNotFound(err) {
		t.Error("failed reload made a broken pipeline visible")
	}
}
