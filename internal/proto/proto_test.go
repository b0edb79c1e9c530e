package proto

import "testing"

func TestEnvelopeMatches(t *testing.T) {
	id := Identity{UserID: "u1", Role: "doctor", Branch: "utawala"}

	cases := []struct {
		name string
		det  Details
		want bool
	}{
		{"broadcast", Details{}, true},
		{"user match", Details{TargetUserID: "u1"}, true},
		{"user mismatch", Details{TargetUserID: "u2"}, false},
		{"role match", Details{TargetRole: "doctor"}, true},
		{"role mismatch", Details{TargetRole: "nurse"}, false},
		{"branch match", Details{TargetBranch: "utawala"}, true},
		{"branch mismatch", Details{TargetBranch: "kitengela"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := Envelope{Type: NotifMessage, Details: tc.det}
			if got := env.Matches(id); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := Envelope{Type: "NOT_A_TYPE"}
	if err := env.Validate(); err == nil {
		t.Fatal("unknown type accepted")
	}

	env = Envelope{
		Type:    NotifMessage,
		Details: Details{TargetUserID: "u1", TargetRole: "doctor"},
	}
	if err := env.Validate(); err == nil {
		t.Fatal("two targets accepted")
	}

	env = Envelope{Type: NotifTokenCalled, Details: Details{TargetBranch: "utawala"}}
	if err := env.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestFrameValidate(t *testing.T) {
	f := Frame{Kind: FrameSignal}
	if err := f.Validate(); err == nil {
		t.Fatal("signal frame without payload accepted")
	}

	f = Frame{Kind: FrameSignal, Signal: &Signal{
		Kind: SignalHangup, Sender: "a", Receiver: "b",
		Hangup: &HangupInfo{Reason: HangupUserEnded},
	}}
	if err := f.Validate(); err != nil {
		t.Fatalf("valid hangup frame rejected: %v", err)
	}

	f = Frame{Kind: FrameHello, Hello: &Hello{}}
	if err := f.Validate(); err == nil {
		t.Fatal("hello without user id accepted")
	}
}

func TestSignalValidate(t *testing.T) {
	s := Signal{Kind: SignalOffer, Sender: "a", Receiver: "b"}
	if err := s.Validate(); err == nil {
		t.Fatal("offer without sdp accepted")
	}
	s.SDP = &SessionDescription{Type: "offer", SDP: "v=0"}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}
	s.Receiver = ""
	if err := s.Validate(); err == nil {
		t.Fatal("offer without receiver accepted")
	}
}
