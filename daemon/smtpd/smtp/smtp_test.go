package smtp

import "testing"

func TestParseCmdBasicCommands(t *testing.T) {
	cases := []struct {
		line    string
		wantCmd Command
		wantArg string
	}{
		{"HELO relay.example.com", HELO, "relay.example.com"},
		{"EHLO", EHLO, ""},
		{"RSET", RSET, ""},
		{"QUIT", QUIT, ""},
		{"NOOP ignored arg", NOOP, "ignored arg"},
		{"DATA", DATA, ""},
	}
	for _, c := range cases {
		got := ParseCmd(c.line)
		if got.Cmd != c.wantCmd {
			t.Errorf("ParseCmd(%q).Cmd = %v, want %v", c.line, got.Cmd, c.wantCmd)
		}
		if got.Arg != c.wantArg {
			t.Errorf("ParseCmd(%q).Arg = %q, want %q", c.line, got.Arg, c.wantArg)
		}
		if got.Err != "" {
			t.Errorf("ParseCmd(%q).Err = %q, want none", c.line, got.Err)
		}
	}
}

func TestParseCmdMailFromAndRcptTo(t *testing.T) {
	got := ParseCmd("MAIL FROM:<a@b.com> SIZE=1024")
	if got.Cmd != MAILFROM {
		t.Fatalf("expected MAILFROM, got %v", got.Cmd)
	}
	if got.Arg != "a@b.com" {
		t.Fatalf("expected address a@b.com, got %q", got.Arg)
	}
	if got.Params != "SIZE=1024" {
		t.Fatalf("expected params SIZE=1024, got %q", got.Params)
	}

	got = ParseCmd("RCPT TO:<>")
	if got.Cmd != RCPTTO || got.Arg != "" {
		t.Fatalf("expected null reverse-path RCPT TO to parse cleanly, got %+v", got)
	}
}

func TestParseCmdAuthRequiresArgument(t *testing.T) {
	got := ParseCmd("AUTH")
	if got.Cmd != AUTH {
		t.Fatalf("expected AUTH command, got %v", got.Cmd)
	}
	if got.Err == "" {
		t.Fatal("expected an error for AUTH with no mechanism argument")
	}

	got = ParseCmd("AUTH PLAIN")
	if got.Err != "" {
		t.Fatalf("unexpected error for AUTH PLAIN: %q", got.Err)
	}
	if got.Arg != "PLAIN" {
		t.Fatalf("expected arg PLAIN, got %q", got.Arg)
	}
}

func TestParseCmdRejectsUnrecognized(t *testing.T) {
	got := ParseCmd("BOGUS command")
	if got.Cmd != BadCmd {
		t.Fatalf("expected BadCmd, got %v", got.Cmd)
	}
	if got.Err == "" {
		t.Fatal("expected an error message for an unrecognized command")
	}
}

func TestParseCmdRejectsNon7Bit(t *testing.T) {
	got := ParseCmd("HELO caf\xc3\xa9.example")
	if got.Cmd != BadCmd {
		t.Fatalf("expected BadCmd for non-7-bit input, got %v", got.Cmd)
	}
}

func TestParseCmdTrimsTrailingSpace(t *testing.T) {
	got := ParseCmd("QUIT   ")
	if got.Cmd != QUIT || got.Err != "" {
		t.Fatalf("expected trailing whitespace to be tolerated, got %+v", got)
	}
}

func TestParseCmdMailFromMissingAddressErrors(t *testing.T) {
	got := ParseCmd("MAIL FROM:")
	if got.Err == "" {
		t.Fatal("expected an error for MAIL FROM with no address")
	}
}
