package bp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Test_LoadAttributes_Overlays_Defaults_From_JSONC(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "attrs.jsonc")

	content := `{
	// tuned for a chatty link
	"lifetime": 120,
	"timeout": 3,
	"cid_reuse": true,
	"wrap_response": "drop",
	"active_table_size": 64,
}`

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	attr, err := LoadAttributes(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultAttributes()
	want.Lifetime = 120
	want.Timeout = 3
	want.CIDReuse = true
	want.WrapResponse = WrapDrop
	want.ActiveTableSize = 64

	ignore := cmpopts.IgnoreFields(Attributes{}, "Logger", "Now", "StorageServiceParm")
	if diff := cmp.Diff(want, attr, ignore); diff != "" {
		t.Fatalf("attributes mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadAttributes_Fails_When_Wrap_Policy_Unknown(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "attrs.jsonc")

	if err := os.WriteFile(path, []byte(`{"wrap_response": "panic"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadAttributes(path); !errors.Is(err, ErrParameter) {
		t.Fatalf("load: %v, want ErrParameter", err)
	}
}

func Test_LoadAttributes_Fails_When_File_Missing(t *testing.T) {
	t.Parallel()

	if _, err := LoadAttributes(filepath.Join(t.TempDir(), "nope.jsonc")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
