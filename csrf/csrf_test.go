package csrf

import (
	"strings"
	"testing"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testSecret)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New([]byte("short")); err != ErrSecret {
		t.Fatalf("expected ErrSecret, got %v", err)
	}
}

func TestIssueVerify(t *testing.T) {
	c := newCodec(t)

	tok, err := c.Issue()
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if len(tok.Value) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(tok.Value))
	}
	if !strings.HasPrefix(tok.CookieValue, tok.Value+".") {
		t.Fatalf("cookie value must embed token: %q", tok.CookieValue)
	}
	if !c.Verify(tok.Value, tok.CookieValue) {
		t.Fatal("expected issued token to verify")
	}
}

func TestIssueIsRandom(t *testing.T) {
	c := newCodec(t)
	a, _ := c.Issue()
	b, _ := c.Issue()
	if a.Value == b.Value {
		t.Fatal("expected distinct tokens")
	}
	if c.Verify(a.Value, b.CookieValue) {
		t.Fatal("token from one cookie must not verify against another")
	}
}

func TestVerifyRejectsEmptyInput(t *testing.T) {
	c := newCodec(t)
	tok, _ := c.Issue()

	cases := []struct{ header, cookie string }{
		{"", tok.CookieValue},
		{tok.Value, ""},
		{tok.Value, tok.Value},
		{tok.Value, tok.Value + "."},
		{tok.Value, "." + strings.SplitN(tok.CookieValue, ".", 2)[1]},
	}
	for _, tc := range cases {
		if c.Verify(tc.header, tc.cookie) {
			t.Fatalf("expected rejection for header=%q cookie=%q", tc.header, tc.cookie)
		}
	}
}

func flip(s string, i int) string {
	b := []byte(s)
	if b[i] == 'a' {
		b[i] = 'b'
	} else {
		b[i] = 'a'
	}
	return string(b)
}

func TestVerifyRejectsAnyBitFlip(t *testing.T) {
	c := newCodec(t)
	tok, _ := c.Issue()
	token, sig, _ := strings.Cut(tok.CookieValue, ".")

	for i := 0; i < len(token); i++ {
		if c.Verify(tok.Value, flip(token, i)+"."+sig) {
			t.Fatalf("flipped token half at %d verified", i)
		}
		if c.Verify(flip(tok.Value, i), tok.CookieValue) {
			t.Fatalf("flipped header at %d verified", i)
		}
	}
	for i := 0; i < len(sig); i++ {
		if c.Verify(tok.Value, token+"."+flip(sig, i)) {
			t.Fatalf("flipped signature at %d verified", i)
		}
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	c := newCodec(t)
	other, err := New([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	tok, _ := other.Issue()
	if c.Verify(tok.Value, tok.CookieValue) {
		t.Fatal("expected token signed with another secret to fail")
	}
}
