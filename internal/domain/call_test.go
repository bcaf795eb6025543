package domain

import (
	"errors"
	"testing"
)

func TestParseCallMode(t *testing.T) {
	for _, s := range []string{"DIRECT", "GROUP"} {
		m, err := ParseCallMode(s)
		if err != nil || string(m) != s {
			t.Fatalf("ParseCallMode(%q) = (%v, %v)", s, m, err)
		}
	}
	if _, err := ParseCallMode("direct"); !errors.Is(err, ErrUnknownValue) {
		t.Fatalf("lowercase mode accepted: %v", err)
	}
	if _, err := ParseCallMode(""); !errors.Is(err, ErrUnknownValue) {
		t.Fatal("empty mode accepted")
	}
}

func TestParseCallType(t *testing.T) {
	for _, s := range []string{"AUDIO", "VIDEO", "SCREEN_SHARE"} {
		ct, err := ParseCallType(s)
		if err != nil || string(ct) != s {
			t.Fatalf("ParseCallType(%q) = (%v, %v)", s, ct, err)
		}
	}
	if _, err := ParseCallType("HOLOGRAM"); !errors.Is(err, ErrUnknownValue) {
		t.Fatal("unknown type accepted")
	}
}

func TestCallStateString(t *testing.T) {
	cases := map[CallState]string{
		StateIdle:       "IDLE",
		StateInitiating: "INITIATING",
		StateRinging:    "RINGING",
		StateConnecting: "CONNECTING",
		StateActive:     "ACTIVE",
		StateEnding:     "ENDING",
		CallState(42):   "UNKNOWN",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}

func TestNewCallIDUnique(t *testing.T) {
	a, b := NewCallID(), NewCallID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
}

func TestMediaErrorUnwrap(t *testing.T) {
	cause := errors.New("v4l2: device busy")
	err := NewMediaError(MediaDeviceBusy, cause)
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap does not expose the cause")
	}
	var me *MediaError
	if !errors.As(error(err), &me) || me.Kind != MediaDeviceBusy {
		t.Fatalf("errors.As = %v", me)
	}
}
