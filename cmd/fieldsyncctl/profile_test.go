package main

import (
	"testing"

	"github.com/matheus3301/fieldsync/internal/profile"
)

func TestUseProfile(t *testing.T) {
	t.Setenv("FIELDSYNC_HOME", t.TempDir())
	t.Setenv("FIELDSYNC_PROFILE", "")

	if err := useProfile("Bad Name"); err == nil {
		t.Error("useProfile accepted an invalid name")
	}
	if err := useProfile("clinic-a"); err != nil {
		t.Fatalf("useProfile() error = %v", err)
	}
	if got := profile.Resolve(""); got != "clinic-a" {
		t.Errorf("Resolve() = %q, want clinic-a", got)
	}
	names, err := profile.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "clinic-a" {
		t.Errorf("List() = %v", names)
	}
}
