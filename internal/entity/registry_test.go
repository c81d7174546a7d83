package entity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/fieldsync/internal/store"
)

func TestRegistryValidate(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		kind    Kind
		payload string
		wantErr bool
	}{
		{"valid patient", KindPatient, `{"name":"Ana","birthDate":"1961-04-02"}`, false},
		{"patient missing name", KindPatient, `{"phone":"123"}`, true},
		{"patient bad birth date", KindPatient, `{"name":"Ana","birthDate":"02/04/1961"}`, true},
		{"patient unknown field", KindPatient, `{"name":"Ana","ssn":"x"}`, true},
		{"valid exercise", KindExercise, `{"title":"Squat","sets":3,"repetitions":10}`, false},
		{"negative sets", KindExercise, `{"title":"Squat","sets":-1}`, true},
		{"valid session", KindSession, `{"patientLocalId":"p1","scheduledAt":"2026-03-01T09:00:00Z","status":"scheduled"}`, false},
		{"bad session status", KindSession, `{"patientLocalId":"p1","scheduledAt":"2026-03-01T09:00:00Z","status":"done"}`, true},
		{"valid note", KindProgressNote, `{"patientLocalId":"p1","note":"less pain","painLevel":3}`, false},
		{"pain out of range", KindProgressNote, `{"patientLocalId":"p1","note":"x","painLevel":11}`, true},
		{"not json", KindPatient, `{name`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := r.Validate(tt.kind, []byte(tt.payload))
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want *ValidationError", err)
				}
				if ve.Kind != tt.kind {
					t.Errorf("kind = %q, want %q", ve.Kind, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != versions[tt.kind] {
				t.Errorf("version = %d, want %d", version, versions[tt.kind])
			}
		})
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Validate("invoices", []byte(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
	if got := len(r.Kinds()); got != 4 {
		t.Errorf("kinds = %d, want 4", got)
	}
}

func TestOpenPartitionUsesSchemaVersion(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	err = store.With(filepath.Join(t.TempDir(), "test.db"), func(db *store.DB) error {
		p, err := OpenPartition[Patient](db, r, KindPatient)
		if err != nil {
			return err
		}
		rec, err := p.Save(ctx, Patient{Name: "Ana"}, "p1")
		if err != nil {
			return err
		}
		if rec.SchemaVersion != versions[KindPatient] {
			t.Errorf("schema version = %d, want %d", rec.SchemaVersion, versions[KindPatient])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
