package canonical

import "testing"

func TestHashKeyOrderIndependent(t *testing.T) {
	a, err := HashRaw([]byte(`{"b":1,"a":{"y":2,"x":3}}`))
	if err != nil {
		t.Fatalf("HashRaw: %v", err)
	}
	b, err := HashRaw([]byte(`{ "a": {"x":3, "y":2}, "b": 1 }`))
	if err != nil {
		t.Fatalf("HashRaw: %v", err)
	}
	if a != b {
		t.Error("structurally equal documents must hash equal")
	}
}

func TestHashNumberNormalization(t *testing.T) {
	a, _ := HashRaw([]byte(`{"n":1}`))
	b, _ := HashRaw([]byte(`{"n":1.0}`))
	c, _ := HashRaw([]byte(`{"n":1e0}`))
	if a != b || b != c {
		t.Error("equivalent number spellings must hash equal")
	}

	d, _ := HashRaw([]byte(`{"n":2}`))
	if a == d {
		t.Error("different values must not collide")
	}
}

func TestHashDistinguishesStructure(t *testing.T) {
	a, _ := HashRaw([]byte(`{"a":[1,2]}`))
	b, _ := HashRaw([]byte(`{"a":[2,1]}`))
	if a == b {
		t.Error("array order is significant")
	}
}

func TestCanonicalizeStableForm(t *testing.T) {
	got, err := Canonicalize([]byte(`{"b": "x", "a": true, "c": null}`))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":true,"b":"x","c":null}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestHashStructValue(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	a, err := Hash(payload{Name: "x", Count: 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, _ := HashRaw([]byte(`{"count":2,"name":"x"}`))
	if a != b {
		t.Error("struct and raw document with equal content must hash equal")
	}
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"a":`)); err == nil {
		t.Fatal("invalid JSON must error")
	}
}
