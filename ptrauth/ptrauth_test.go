package ptrauth

import "testing"

func TestSignAuthRoundTripIsIdentity(t *testing.T) {
	keys := []Key{KeyIA, KeyIB, KeyDA, KeyDB}
	for _, k := range keys {
		const ptr = 0x0000000180004000
		signed := Sign(k, ptr, 0xbeef, true)
		if signed != ptr {
			t.Errorf("Sign(%s, ...) = %#x, want %#x (identity)", k, signed, ptr)
		}
		authed := Auth(k, signed, 0xbeef, true)
		if authed != ptr {
			t.Errorf("Auth(%s, ...) = %#x, want %#x (identity)", k, authed, ptr)
		}
	}
}

func TestKeyString(t *testing.T) {
	cases := map[Key]string{KeyIA: "IA", KeyIB: "IB", KeyDA: "DA", KeyDB: "DB", Key(99): "unknown"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Key(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestDispatchUnknownKeyIsIdentity(t *testing.T) {
	const ptr = 0x4242
	if got := Sign(Key(99), ptr, 0, false); got != ptr {
		t.Errorf("Sign(unknown key) = %#x, want %#x", got, ptr)
	}
	if got := Auth(Key(99), ptr, 0, false); got != ptr {
		t.Errorf("Auth(unknown key) = %#x, want %#x", got, ptr)
	}
}
