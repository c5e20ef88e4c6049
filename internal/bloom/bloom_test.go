package bloom

import "testing"

func TestInsertAndContains(t *testing.T) {
	f := New(1000, 0.01)

	present := []string{"0123456789abcdef", "fedcba9876543210", "aaaaaaaaaaaaaaaa"}
	for _, k := range present {
		f.Insert([]byte(k))
	}

	for _, k := range present {
		if !f.Contains([]byte(k)) {
			t.Errorf("expected Contains(%q) to be true (soundness)", k)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(500, 0.01)
	f.Insert([]byte("device-a"))
	f.Insert([]byte("device-b"))

	raw := f.Serialize()
	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if !got.Contains([]byte("device-a")) || !got.Contains([]byte("device-b")) {
		t.Fatal("deserialized filter lost membership")
	}
}

func TestNeverFalseNegative(t *testing.T) {
	f := New(50, 0.1)
	keys := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		k := string(rune('a' + i%26))
		keys = append(keys, k)
		f.Insert([]byte(k))
	}
	for _, k := range keys {
		if !f.Contains([]byte(k)) {
			t.Fatalf("false negative for inserted key %q", k)
		}
	}
}
