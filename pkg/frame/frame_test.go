package frame_test

import (
	"testing"

	"github.com/a-essam23/go-wsuser/pkg/frame"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantCmd string
		wantBdy string
		ok      bool
	}{
		{"$login:YWJjZA==", "login", "YWJjZA==", true},
		{"$logout:", "logout", "", true},
		{"$logout", "logout", "", true},
		{"$userinfo:{\"a\":\"b:c\"}", "userinfo", "{\"a\":\"b:c\"}", true},
		{"$security_code:a@b.com:123:", "security_code", "a@b.com:123:", true},
		{"$ login :body", "login", "body", true},
		{"plain message", "", "", false},
		{"", "", "", false},
		{"{\"event\":\"x\"}", "", "", false},
	}

	for _, c := range cases {
		got, ok := frame.Parse(c.in)
		if ok != c.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.Command != c.wantCmd || got.Body != c.wantBdy {
			t.Errorf("Parse(%q) = {%q %q}, want {%q %q}", c.in, got.Command, got.Body, c.wantCmd, c.wantBdy)
		}
	}
}

func TestFormatParseSymmetry(t *testing.T) {
	msg, ok := frame.Parse(frame.Format("create_account", "a@b.com:pw:Name"))
	if !ok {
		t.Fatal("formatted frame did not parse")
	}
	if msg.Command != "create_account" || msg.Body != "a@b.com:pw:Name" {
		t.Errorf("unexpected parse result: %+v", msg)
	}
}

func TestAck(t *testing.T) {
	if !frame.IsAck("") {
		t.Error("empty string must be the acknowledgement frame")
	}
	if frame.IsAck("$cmd:") {
		t.Error("command frame misdetected as ack")
	}
}

func TestRedirect(t *testing.T) {
	port, ok := frame.ParseRedirect(frame.Redirect(8443))
	if !ok || port != 8443 {
		t.Fatalf("ParseRedirect round trip = (%d, %v)", port, ok)
	}

	if _, ok := frame.ParseRedirect("$redirect_to_port:nope"); ok {
		t.Error("non-numeric port accepted")
	}
	if _, ok := frame.ParseRedirect("$login:8443"); ok {
		t.Error("unrelated command accepted as redirect")
	}
}
