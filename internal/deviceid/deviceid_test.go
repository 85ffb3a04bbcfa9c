package deviceid

import "testing"

func TestParse(t *testing.T) {
	id, err := Parse("TECO_VFD_2")
	if err != nil {
		t.Fatal(err)
	}
	if id.Model != "TECO_VFD" || id.SlaveID != 2 {
		t.Errorf("got %+v", id)
	}
	if id.String() != "TECO_VFD_2" {
		t.Errorf("round trip failed: %s", id.String())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"noSlaveId", "TRAILING_", "MODEL_abc"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("expected error parsing %q", c)
		}
	}
}

func TestBuildUpstreamID(t *testing.T) {
	got := BuildUpstreamID("GATEWAY0001X", 2, 0, EquipInverter)
	if len(got) != 11+2+1+2 {
		t.Errorf("unexpected length: %q", got)
	}
	if got[:11] != "GATEWAY0001" {
		t.Errorf("expected truncated gateway prefix, got %q", got)
	}
	if got[len(got)-2:] != string(EquipInverter) {
		t.Errorf("expected suffix CI, got %q", got)
	}
}
