package schema

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	s, err := l.LoadFile("testdata/protocols/fever.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if s.ID != "under5-fever" {
		t.Errorf("ID = %q, want under5-fever", s.ID)
	}
	if s.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", s.Version)
	}
	if s.FallbackPriority != "green" {
		t.Errorf("FallbackPriority = %q, want green", s.FallbackPriority)
	}
	if len(s.Fields) != 3 {
		t.Fatalf("Fields = %d, want 3", len(s.Fields))
	}
	if s.Fields[0].Constraints == nil || s.Fields[0].Constraints.WarnAbove == nil {
		t.Fatal("temperature warn_above constraint not parsed")
	}
	if *s.Fields[0].Constraints.WarnAbove != 39.5 {
		t.Errorf("WarnAbove = %v, want 39.5", *s.Fields[0].Constraints.WarnAbove)
	}
	if s.Fields[2].VisibleIf == nil {
		t.Fatal("fever_duration visible_if not parsed")
	}
	if len(s.States) != 2 {
		t.Fatalf("States = %d, want 2", len(s.States))
	}
	if len(s.TriageRules) != 2 {
		t.Fatalf("TriageRules = %d, want 2", len(s.TriageRules))
	}
	if s.TriageRules[1].When.Operator != "and" {
		t.Errorf("composite rule operator = %q, want and", s.TriageRules[1].When.Operator)
	}
	if s.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if s.SourceFile != "testdata/protocols/fever.yaml" {
		t.Errorf("SourceFile = %q", s.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	schemas, err := l.LoadAll([]string{"testdata/protocols"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(schemas) != 1 {
		t.Fatalf("LoadAll() returned %d schemas, want 1", len(schemas))
	}
	if schemas[0].ID != "under5-fever" {
		t.Errorf("ID = %q, want under5-fever", schemas[0].ID)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	s1, _ := l.LoadFile("testdata/protocols/fever.yaml")
	s2, _ := l.LoadFile("testdata/protocols/fever.yaml")
	if s1.Checksum != s2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
