// Package spool persists Messages to disk so they survive a process
// restart, and reloads them at startup.
//
// Layout (spec §6): two parallel directories under the spool root, keyed by
// message id:
//
//	<root>/data/<id>   raw RFC 5322 body
//	<root>/meta/<id>   JSON metadata (message.MarshalMetadata) plus the
//	                   serialized header
//
// Splitting header+metadata from body lets Message.Shrink drop the body
// from memory without touching the small metadata file.
package spool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/emersion/go-message/textproto"

	"github.com/kumomta/kumod-core/framework/buffer"
	"github.com/kumomta/kumod-core/framework/log"
	"github.com/kumomta/kumod-core/internal/message"
)

type Spool struct {
	root string
	Log  log.Logger
}

func Open(root string) (*Spool, error) {
	s := &Spool{root: root, Log: log.Logger{Name: "spool"}}
	for _, sub := range []string{"data", "meta"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o750); err != nil {
			return nil, fmt.Errorf("spool: mkdir %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Spool) dataPath(id message.ID) string {
	return filepath.Join(s.root, "data", id.String())
}

func (s *Spool) metaPath(id message.ID) string {
	return filepath.Join(s.root, "meta", id.String())
}

// Store writes a brand new message to disk and marks it durable. It must be
// called before the message is handed to the scheduled queue, satisfying
// the spec §4.A "write-before-enqueue" ordering.
func (s *Spool) Store(m *message.Message) error {
	id := m.ID()

	r, err := m.Body().Open()
	if err != nil {
		return fmt.Errorf("spool: open body: %w", err)
	}
	defer r.Close()

	dataPath := s.dataPath(id)
	if err := writeAtomic(dataPath, r); err != nil {
		return fmt.Errorf("spool: write data: %w", err)
	}

	if err := s.saveMeta(m); err != nil {
		os.Remove(dataPath)
		return err
	}

	m.ClearNeedsSave()
	return nil
}

// SaveMetadata persists only the header+metadata file, used whenever a
// message's mutable fields change (attempt count, due time, admin rebind)
// without rewriting the (larger, immutable) body.
func (s *Spool) SaveMetadata(m *message.Message) error {
	if err := s.saveMeta(m); err != nil {
		return err
	}
	m.ClearNeedsSave()
	return nil
}

func (s *Spool) saveMeta(m *message.Message) error {
	metaJSON, err := m.MarshalMetadata()
	if err != nil {
		return fmt.Errorf("spool: marshal metadata: %w", err)
	}

	var hdrBuf bytes.Buffer
	if err := textproto.WriteHeader(&hdrBuf, *m.Header()); err != nil {
		return fmt.Errorf("spool: write header: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "%d\n", hdrBuf.Len())
	out.Write(hdrBuf.Bytes())
	out.Write(metaJSON)

	return writeAtomic(s.metaPath(m.ID()), bytes.NewReader(out.Bytes()))
}

// Load reconstructs a Message from disk by id.
func (s *Spool) Load(id message.ID) (*message.Message, error) {
	metaRaw, err := ioutil.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(bytes.NewReader(metaRaw))
	var hdrLen int
	if _, err := fmt.Fscanf(br, "%d\n", &hdrLen); err != nil {
		return nil, fmt.Errorf("spool: corrupt meta header for %s: %w", id, err)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrBytes); err != nil {
		return nil, fmt.Errorf("spool: short header read for %s: %w", id, err)
	}
	rest, err := ioutil.ReadAll(br)
	if err != nil {
		return nil, err
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(hdrBytes)))
	if err != nil {
		return nil, fmt.Errorf("spool: parse header for %s: %w", id, err)
	}

	body := buffer.FileBuffer{Path: s.dataPath(id)}

	m, err := message.UnmarshalMetadata(id, hdr, body, rest)
	if err != nil {
		return nil, fmt.Errorf("spool: parse metadata for %s: %w", id, err)
	}
	m.ClearNeedsSave()
	return m, nil
}

// Remove deletes both files for id. Safe to call if one or both are
// already gone.
func (s *Spool) Remove(id message.ID) {
	os.Remove(s.dataPath(id))
	os.Remove(s.metaPath(id))
}

// ErrBroken marks a spool entry that failed to load during Enumerate; the
// caller renames it aside rather than deleting it, mirroring the teacher's
// discardBroken behavior.
var ErrBroken = errors.New("spool: broken entry")

// Enumerate lists every message id on disk, invoking fn for each
// successfully loaded Message. On a load failure, the corrupt meta file is
// renamed to "<id>.broken" instead of being retried forever.
func (s *Spool) Enumerate(fn func(*message.Message) error) error {
	entries, err := ioutil.ReadDir(filepath.Join(s.root, "meta"))
	if err != nil {
		return err
	}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		id, err := message.ParseID(ent.Name())
		if err != nil {
			continue
		}

		m, err := s.Load(id)
		if err != nil {
			s.Log.Error("discarding broken spool entry", err, "id", id.String())
			s.discardBroken(id)
			continue
		}
		if _, err := os.Stat(s.dataPath(id)); err != nil {
			s.Log.Error("spool entry missing data file", err, "id", id.String())
			s.discardBroken(id)
			continue
		}

		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spool) discardBroken(id message.ID) {
	os.Rename(s.metaPath(id), s.metaPath(id)+".broken")
}

// writeAtomic writes r to a temp file beside path, fsyncs, then renames it
// into place so a crash mid-write never leaves a truncated spool entry.
func writeAtomic(path string, r io.Reader) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
