package namingcontract

import "testing"

func TestClassify(t *testing.T) {
	c := New("EVR", "evrcache")

	cases := []struct {
		name     string
		basename string
		want     Origin
	}{
		{"owned", "EVR_tachfile_page_000042_1732900000.evrcache", Owned},
		{"foreign pdf", "my_report.pdf", Foreign},
		{"wrong prefix", "OTHER_tachfile_page_1_1732900000.evrcache", Foreign},
		{"wrong suffix", "EVR_tachfile_page_1_1732900000.tmp", Foreign},
		{"non-numeric timestamp", "EVR_tachfile_page_1_notatime.evrcache", Foreign},
		{"too few segments", "EVR_tachfile_1732900000.evrcache", Foreign},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Classify(tc.basename); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.basename, got, tc.want)
			}
		})
	}
}

func TestValidateReasons(t *testing.T) {
	c := New("EVR", "evrcache")

	ok, reasons := c.Validate("my_report.pdf")
	if ok {
		t.Fatal("expected invalid")
	}
	if len(reasons) == 0 {
		t.Fatal("expected reasons for an invalid basename")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	c := New("EVR", "evrcache")
	name := c.Format("tachfile", "page", 42, 1732900000)

	ok, reasons := c.Validate(name)
	if !ok {
		t.Fatalf("Format produced a basename Validate rejects: %v (reasons=%v)", name, reasons)
	}
	if c.Classify(name) != Owned {
		t.Fatalf("Format produced a basename Classify does not call Owned: %v", name)
	}
}

func TestClassifyNeverPanics(t *testing.T) {
	c := New("EVR", "evrcache")
	inputs := []string{"", ".", "_", "EVR_.evrcache", "EVR___.evrcache"}
	for _, in := range inputs {
		_ = c.Classify(in)
	}
}
