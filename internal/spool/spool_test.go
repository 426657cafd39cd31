package spool

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/internal/message"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	dir, err := ioutil.TempDir("", "kumod-spool-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestMessage(t *testing.T) *message.Message {
	t.Helper()
	hdr := textproto.Header{}
	hdr.Set("Subject", "hello")
	body, err := buffer.BufferInMemory(strings.NewReader("the body"))
	if err != nil {
		t.Fatal(err)
	}
	return message.New(message.NewID(), "a@example.com", []string{"b@example.com"}, hdr, body)
}

func TestStoreAndLoadRoundtrip(t *testing.T) {
	s := newTestSpool(t)
	m := newTestMessage(t)
	m.MetaSet("tenant", "t1")
	m.IncrementAttempts()

	if err := s.Store(m); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(m.ID())
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Sender() != m.Sender() {
		t.Errorf("sender mismatch: %q != %q", loaded.Sender(), m.Sender())
	}
	if loaded.NumAttempts() != m.NumAttempts() {
		t.Errorf("num_attempts mismatch")
	}
	if got := loaded.Header().Get("Subject"); got != "hello" {
		t.Errorf("header not preserved, got %q", got)
	}

	r, err := loaded.Body().Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "the body" {
		t.Errorf("body mismatch: %q", data)
	}
}

func TestSaveMetadataDoesNotTouchBody(t *testing.T) {
	s := newTestSpool(t)
	m := newTestMessage(t)
	if err := s.Store(m); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(s.dataPath(m.ID()))
	if err != nil {
		t.Fatal(err)
	}
	modBefore := info.ModTime()

	m.MetaSet("x", 1)
	if err := s.SaveMetadata(m); err != nil {
		t.Fatal(err)
	}

	info2, err := os.Stat(s.dataPath(m.ID()))
	if err != nil {
		t.Fatal(err)
	}
	if !info2.ModTime().Equal(modBefore) {
		t.Errorf("SaveMetadata modified the body file")
	}
}

func TestRemoveDeletesBothFiles(t *testing.T) {
	s := newTestSpool(t)
	m := newTestMessage(t)
	if err := s.Store(m); err != nil {
		t.Fatal(err)
	}
	s.Remove(m.ID())

	if _, err := os.Stat(s.dataPath(m.ID())); !os.IsNotExist(err) {
		t.Errorf("data file not removed")
	}
	if _, err := os.Stat(s.metaPath(m.ID())); !os.IsNotExist(err) {
		t.Errorf("meta file not removed")
	}
}

func TestEnumerateVisitsStoredMessages(t *testing.T) {
	s := newTestSpool(t)
	ids := make(map[message.ID]bool)
	for i := 0; i < 3; i++ {
		m := newTestMessage(t)
		if err := s.Store(m); err != nil {
			t.Fatal(err)
		}
		ids[m.ID()] = true
	}

	seen := make(map[message.ID]bool)
	err := s.Enumerate(func(m *message.Message) error {
		seen[m.ID()] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != len(ids) {
		t.Fatalf("Enumerate saw %d messages, want %d", len(seen), len(ids))
	}
	for id := range ids {
		if !seen[id] {
			t.Errorf("Enumerate missed message %s", id)
		}
	}
}

func TestEnumerateDiscardsBrokenMeta(t *testing.T) {
	s := newTestSpool(t)
	m := newTestMessage(t)
	if err := s.Store(m); err != nil {
		t.Fatal(err)
	}

	if err := ioutil.WriteFile(s.metaPath(m.ID()), []byte("not valid"), 0o640); err != nil {
		t.Fatal(err)
	}

	err := s.Enumerate(func(*message.Message) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(s.metaPath(m.ID()) + ".broken"); err != nil {
		t.Errorf("broken meta file was not renamed aside: %v", err)
	}
}
