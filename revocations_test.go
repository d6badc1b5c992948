package authrelay

import (
	"testing"
	"time"
)

func TestRevocationListAddAndCheck(t *testing.T) {
	l := newRevocationList()

	if l.Revoked("sid-1") {
		t.Fatal("empty list should revoke nothing")
	}

	l.Add("sid-1", time.Now().Add(time.Hour))
	if !l.Revoked("sid-1") {
		t.Fatal("added session should be revoked")
	}
	if l.Revoked("sid-2") {
		t.Fatal("other sessions must be unaffected")
	}
}

func TestRevocationListAddIsIdempotent(t *testing.T) {
	l := newRevocationList()

	expiry := time.Now().Add(time.Hour)
	l.Add("sid-1", expiry)
	l.Add("sid-1", expiry)

	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	if !l.Revoked("sid-1") {
		t.Fatal("session should stay revoked")
	}
}

func TestRevocationListIgnoresPastExpiry(t *testing.T) {
	l := newRevocationList()

	l.Add("sid-1", time.Now().Add(-time.Minute))
	if l.Len() != 0 {
		t.Fatal("already-expired token needs no revocation entry")
	}
	if l.Revoked("sid-1") {
		t.Fatal("expired entry must not report revoked")
	}
}

func TestRevocationListEntriesLapse(t *testing.T) {
	l := newRevocationList()

	l.Add("sid-1", time.Now().Add(20*time.Millisecond))
	if !l.Revoked("sid-1") {
		t.Fatal("entry should be live before its expiry")
	}

	time.Sleep(30 * time.Millisecond)

	if l.Revoked("sid-1") {
		t.Fatal("entry should lapse once the token expired on its own")
	}
	if l.Len() != 0 {
		t.Fatalf("lapsed entry should be dropped, len=%d", l.Len())
	}
}

func TestRevocationListSweepsOnAdd(t *testing.T) {
	l := newRevocationList()

	l.Add("sid-old", time.Now().Add(10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	l.Add("sid-new", time.Now().Add(time.Hour))

	if l.Len() != 1 {
		t.Fatalf("expected lapsed entry swept on add, len=%d", l.Len())
	}
}

func TestRevocationListIgnoresEmptySessionID(t *testing.T) {
	l := newRevocationList()

	l.Add("", time.Now().Add(time.Hour))
	if l.Len() != 0 {
		t.Fatal("empty session id must not be stored")
	}
}
