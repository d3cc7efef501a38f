package linux

import (
	"testing"
)

func TestParseCaps(t *testing.T) {
	tests := []struct {
		name        string
		desc        []byte
		collections int
		outputLen   int
		wantErr     bool
	}{
		{
			name:        "ledwiz shape",
			desc:        emulatorDescriptor,
			collections: 1,
			outputLen:   9,
		},
		{
			name: "two top-level collections",
			desc: []byte{
				0x06, 0x00, 0xFF,
				0x09, 0x01,
				0xA1, 0x01,
				0x75, 0x08,
				0x95, 0x04,
				0x09, 0x01,
				0x91, 0x02,
				0xC0,
				0x06, 0x00, 0xFF,
				0x09, 0x02,
				0xA1, 0x01,
				0x75, 0x08,
				0x95, 0x08,
				0x09, 0x01,
				0x91, 0x02,
				0xC0,
			},
			collections: 2,
			outputLen:   9,
		},
		{
			name: "numbered reports take the largest",
			desc: []byte{
				0x06, 0x00, 0xFF,
				0x09, 0x01,
				0xA1, 0x01,
				0x85, 0x01, // Report ID (1)
				0x75, 0x08,
				0x95, 0x02,
				0x09, 0x01,
				0x91, 0x02,
				0x85, 0x02, // Report ID (2)
				0x95, 0x10,
				0x09, 0x01,
				0x91, 0x02,
				0xC0,
			},
			collections: 1,
			outputLen:   17,
		},
		{
			name: "nested collection counts once",
			desc: []byte{
				0x06, 0x00, 0xFF,
				0x09, 0x01,
				0xA1, 0x01,
				0xA1, 0x02,
				0x75, 0x08,
				0x95, 0x08,
				0x09, 0x01,
				0x91, 0x02,
				0xC0,
				0xC0,
			},
			collections: 1,
			outputLen:   9,
		},
		{
			name:        "input only has no output report",
			desc:        []byte{0xA1, 0x01, 0x75, 0x08, 0x95, 0x08, 0x81, 0x02, 0xC0},
			collections: 1,
			outputLen:   0,
		},
		{
			name:    "truncated item",
			desc:    []byte{0xA1},
			wantErr: true,
		},
		{
			name:    "unbalanced end collection",
			desc:    []byte{0xC0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := ParseCaps(tt.desc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if caps.Collections != tt.collections {
				t.Errorf("collections: %d != %d", caps.Collections, tt.collections)
			}
			if caps.OutputReportLength != tt.outputLen {
				t.Errorf("output report length: %d != %d", caps.OutputReportLength, tt.outputLen)
			}
		})
	}
}
