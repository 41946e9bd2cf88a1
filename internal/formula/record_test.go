package formula

import (
	"errors"
	"testing"
)

func validRecord() Record {
	return Record{
		Name:    "tool",
		Version: "0.4.0",
		URL:     "https://example.com/tool_0.4.0_x86_64.tar.gz",
		Digest:  MustParseDigest(sampleSHA256),
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr bool
	}{
		{
			name:   "valid_default_mapping",
			mutate: func(r *Record) {},
		},
		{
			name: "valid_explicit_mapping",
			mutate: func(r *Record) {
				r.Install = []Mapping{
					{Source: "tool", Destination: "bin/tool"},
					{Source: "docs/tool.1", Destination: "share/man/man1/tool.1"},
				}
			},
		},
		{
			name:   "placeholder_digest_is_structurally_valid",
			mutate: func(r *Record) { r.Digest = MustParseDigest("TODO") },
		},
		{
			name:    "missing_name",
			mutate:  func(r *Record) { r.Name = "" },
			wantErr: true,
		},
		{
			name:    "name_with_slash",
			mutate:  func(r *Record) { r.Name = "../tool" },
			wantErr: true,
		},
		{
			name:    "missing_version",
			mutate:  func(r *Record) { r.Version = " " },
			wantErr: true,
		},
		{
			name:    "missing_url",
			mutate:  func(r *Record) { r.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing_digest",
			mutate:  func(r *Record) { r.Digest = Digest{} },
			wantErr: true,
		},
		{
			name:    "malformed_digest",
			mutate:  func(r *Record) { r.Digest = Digest{Algorithm: SHA256, Hex: "abc"} },
			wantErr: true,
		},
		{
			name: "destination_traversal",
			mutate: func(r *Record) {
				r.Install = []Mapping{{Source: "tool", Destination: "../../etc/passwd"}}
			},
			wantErr: true,
		},
		{
			name: "destination_hidden_traversal",
			mutate: func(r *Record) {
				r.Install = []Mapping{{Source: "tool", Destination: "bin/../../outside"}}
			},
			wantErr: true,
		},
		{
			name: "absolute_destination",
			mutate: func(r *Record) {
				r.Install = []Mapping{{Source: "tool", Destination: "/usr/bin/tool"}}
			},
			wantErr: true,
		},
		{
			name: "destination_is_prefix_root",
			mutate: func(r *Record) {
				r.Install = []Mapping{{Source: "tool", Destination: "bin/.."}}
			},
			wantErr: true,
		},
		{
			name: "source_traversal",
			mutate: func(r *Record) {
				r.Install = []Mapping{{Source: "../tool", Destination: "bin/tool"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate_destination",
			mutate: func(r *Record) {
				r.Install = []Mapping{
					{Source: "a", Destination: "bin/tool"},
					{Source: "b", Destination: "./bin/tool"},
				}
			},
			wantErr: true,
		},
		{
			name:    "signature_without_keyring",
			mutate:  func(r *Record) { r.Signature = &Signature{URL: "https://example.com/sig"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(&rec)
			err := rec.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRecordMappings(t *testing.T) {
	t.Run("default_rule", func(t *testing.T) {
		rec := validRecord()
		got := rec.Mappings()
		if len(got) != 1 {
			t.Fatalf("expected one mapping, got %d", len(got))
		}
		want := Mapping{Source: "tool", Destination: "bin/tool", Executable: true}
		if got[0] != want {
			t.Errorf("mapping = %+v, want %+v", got[0], want)
		}
		if !rec.UsesDefaultMapping() {
			t.Error("expected UsesDefaultMapping")
		}
	})

	t.Run("declared_mappings_are_cleaned_in_order", func(t *testing.T) {
		rec := validRecord()
		rec.Install = []Mapping{
			{Source: "./dist/tool", Destination: "bin//tool"},
			{Source: "LICENSE", Destination: "share/doc/tool/LICENSE"},
		}
		got := rec.Mappings()
		if got[0].Source != "dist/tool" || got[0].Destination != "bin/tool" {
			t.Errorf("first mapping not cleaned: %+v", got[0])
		}
		if got[1].Destination != "share/doc/tool/LICENSE" {
			t.Errorf("order not preserved: %+v", got)
		}
	})
}
