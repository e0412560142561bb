package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzDeserialize(f *testing.F) {
	seed, err := Serialize(MaxSupportedVersion, TypeHello, HelloPayload{
		PeerID:            pkA,
		SupportedVersions: [2]uint8{1, 1},
	})
	if err != nil {
		f.Fatalf("Serialize seed: %v", err)
	}
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0x48, 0x49, 0x56, 0x45})
	f.Fuzz(func(t *testing.T, raw []byte) {
		frame, err := Deserialize(raw)
		if err != nil {
			return
		}
		// anything Deserialize accepts must survive a re-encode round trip
		out, err := Serialize(frame.Version, frame.Type, frame.Payload)
		if err != nil {
			t.Fatalf("re-serialize accepted frame: %v", err)
		}
		back, err := Deserialize(out)
		if err != nil {
			t.Fatalf("re-deserialize: %v", err)
		}
		if back.Type != frame.Type || back.Version != frame.Version {
			t.Fatalf("header drift: %+v vs %+v", back, frame)
		}
		// re-encoding compacts the JSON body, so compare compacted forms
		var want bytes.Buffer
		if err := json.Compact(&want, frame.Payload); err != nil {
			t.Fatalf("compact accepted payload: %v", err)
		}
		if !bytes.Equal(back.Payload, want.Bytes()) {
			t.Fatalf("payload drift")
		}
	})
}
