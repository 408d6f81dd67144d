package transport_test

import (
	"testing"

	"github.com/a-essam23/go-wsuser/pkg/transport"
)

func TestIdentityProtocolsRoundTrip(t *testing.T) {
	id := transport.GenerateConnID()
	offers := transport.IdentityProtocols(id, "user@example.com")
	if offers[0] != transport.ProtocolName {
		t.Fatalf("first offer %q", offers[0])
	}
	if offers[2] != "user*example.com" {
		t.Errorf("email not escaped: %q", offers[2])
	}

	header := offers[0] + ", " + offers[1] + ", " + offers[2]
	connID, email := transport.ParseIdentity(header)
	if connID != id {
		t.Errorf("connID %q", connID)
	}
	if email != "user@example.com" {
		t.Errorf("email %q", email)
	}
}

func TestParseIdentityAnonymous(t *testing.T) {
	connID, email := transport.ParseIdentity(transport.ProtocolName)
	if connID != "" || email != "" {
		t.Errorf("got %q, %q", connID, email)
	}
}
