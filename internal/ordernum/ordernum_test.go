package ordernum

import "testing"

func TestNext_UniqueAndValid(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		no := g.Next()
		if seen[no] {
			t.Fatalf("duplicate order number %s", no)
		}
		seen[no] = true
		if !Valid(no) {
			t.Fatalf("generated number fails validation: %s", no)
		}
	}
}

func TestValid_RejectsCorruption(t *testing.T) {
	g, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	no := g.Next()
	// Flip one digit; the check digit must catch it.
	b := []byte(no)
	if b[0] == '9' {
		b[0] = '1'
	} else {
		b[0]++
	}
	if Valid(string(b)) {
		t.Fatalf("corrupted number passed validation: %s", string(b))
	}
	if Valid("") || Valid("7") || Valid("12a4") {
		t.Fatalf("malformed inputs should be invalid")
	}
}

func TestCheckDigit_KnownValue(t *testing.T) {
	// Classic Luhn example: 7992739871 has check digit 3.
	if d := checkDigit("7992739871"); d != 3 {
		t.Fatalf("checkDigit=%d want 3", d)
	}
}
