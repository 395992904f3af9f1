package squashfs

import (
	"encoding/binary"
	"testing"
)

// TestInternKeySplitsNamespaceFromName pins the on-disk key entry shape to
// the fixture format: type(u16) + namesize(u16) + name, with no namespace
// prefix baked into the name bytes.
func TestInternKeySplitsNamespaceFromName(t *testing.T) {
	cases := []struct {
		key      string
		wantTyp  uint16
		wantName string
	}{
		{"user.color", xattrTypeUser, "color"},
		{"trusted.overlay.opaque", xattrTypeTrusted, "overlay.opaque"},
		{"security.selinux", xattrTypeSecurity, "selinux"},
	}

	for _, c := range cases {
		xt := NewXattrTable(GZip)
		xt.internKey(c.key)
		keyBytes, err := xt.keys.Flush()
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		// strip the 2-byte metadata block frame header.
		payload := keyBytes[2:]

		typ := binary.LittleEndian.Uint16(payload[0:])
		nameLen := binary.LittleEndian.Uint16(payload[2:])
		name := string(payload[4 : 4+nameLen])

		if typ != c.wantTyp {
			t.Errorf("key %q: type = %d, want %d", c.key, typ, c.wantTyp)
		}
		if name != c.wantName {
			t.Errorf("key %q: name = %q, want %q", c.key, name, c.wantName)
		}
	}
}

func TestSplitXattrKeyRejectsUnknownNamespace(t *testing.T) {
	if _, _, ok := splitXattrKey("unknown.thing"); ok {
		t.Fatal("expected an unrecognised namespace prefix to be rejected")
	}
}
