// Package store keeps messages on disk with their metadata in a bstore
// database, and provides them as sources for body section fetches.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/sectfetch/message"
	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/msgio"
)

var pkglog = mlog.New("store", nil)

var ErrUnknownMessage = errors.New("no such message")

// Message is a stored message. The message data is in a file, see
// Store.MessagePath.
type Message struct {
	ID       int64
	Received time.Time `bstore:"default now,index"`

	Size        int64 // Physical size of the file.
	VirtualSize int64 // With bare LF counted as CRLF.
	HeaderSize  message.Size

	MessageID string `bstore:"index"` // Without <>, as found in the header.
	Subject   string // Decoded.

	// Whether Parts holds the MIME structure. Parsed on first need, see Cache.
	Parsed bool
	Parts  []message.Part
}

// Structure returns the stored MIME structure, nil if not parsed yet.
func (m Message) Structure() *message.Structure {
	if !m.Parsed {
		return nil
	}
	return &message.Structure{Parts: m.Parts}
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Message{}}

// Store holds messages in a data directory.
type Store struct {
	Dir string
	DB  *bstore.DB
}

// Open opens the database in dir, creating it if needed.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: pkglog.Logger}
	db, err := bstore.Open(ctx, dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{Dir: dir, DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// 64 characters, must be power of 2 for MessagePath.
const msgDirChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MessagePath returns the path of the file for a message, relative to the msg
// directory, like "a/1". Directories hold at most 8k messages.
func MessagePath(messageID int64) string {
	v := messageID >> 13
	dir := ""
	for {
		dir += string(msgDirChars[int(v)&(len(msgDirChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return fmt.Sprintf("%s/%d", dir, messageID)
}

// MessagePath returns the file system path of a message.
func (s *Store) MessagePath(messageID int64) string {
	return filepath.Join(s.Dir, "msg", MessagePath(messageID))
}

// createTemp creates a temporary file in the data directory, so it can be
// renamed into place.
func (s *Store) createTemp(pattern string) (*os.File, error) {
	dir := filepath.Join(s.Dir, "tmp")
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, pattern)
}

// Add stores the message read from r. The MIME structure is not parsed yet.
func (s *Store) Add(ctx context.Context, log mlog.Log, r io.Reader) (m Message, rerr error) {
	f, err := s.createTemp("add")
	if err != nil {
		return Message{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing temp message file")
			err = os.Remove(f.Name())
			log.Check(err, "removing temp message file", slog.String("path", f.Name()))
		}
	}()

	cw := &countWriter{w: f}
	if _, err := io.Copy(cw, r); err != nil {
		return Message{}, fmt.Errorf("copying message to temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Message{}, fmt.Errorf("sync temp file: %w", err)
	}

	m = Message{
		Received:    time.Now(),
		Size:        cw.n,
		VirtualSize: cw.n + cw.bareLF,
	}
	m.HeaderSize, err = message.HeaderSize(f, m.Size)
	if err != nil {
		return Message{}, fmt.Errorf("reading header size: %w", err)
	}
	if m.HeaderSize.Physical > 0 {
		m.MessageID, m.Subject, err = readEnvelope(log, &msgio.AtReader{R: f, End: m.HeaderSize.Physical})
		if err != nil {
			return Message{}, fmt.Errorf("reading header: %w", err)
		}
	}

	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		p := s.MessagePath(m.ID)
		if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
			return fmt.Errorf("creating message directory: %w", err)
		}
		if err := os.Rename(f.Name(), p); err != nil {
			return fmt.Errorf("moving message file into place: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	err = f.Close()
	log.Check(err, "closing message file")
	f = nil
	log.Debug("message added", slog.Int64("id", m.ID), slog.Int64("size", m.Size))
	return m, nil
}

// countWriter counts bytes and bare newlines written.
type countWriter struct {
	w      io.Writer
	n      int64
	bareLF int64
	prevCR bool
}

func (w *countWriter) Write(buf []byte) (int, error) {
	n, err := w.w.Write(buf)
	for _, c := range buf[:n] {
		if c == '\n' && !w.prevCR {
			w.bareLF++
		}
		w.prevCR = c == '\r'
	}
	w.n += int64(n)
	return n, err
}

// readEnvelope returns the Message-ID and decoded Subject from a header.
func readEnvelope(log mlog.Log, r io.Reader) (messageID, subject string, rerr error) {
	hs := message.NewHeaderScanner(bufio.NewReader(r))
	for hs.Next() {
		f := hs.Field()
		switch strings.ToLower(string(f.Name)) {
		case "message-id":
			if messageID == "" {
				messageID = strings.Trim(unfold(f.Value), "<> \t")
			}
		case "subject":
			if subject == "" {
				subject = decodeWords(log, unfold(f.Value))
			}
		}
	}
	return messageID, subject, hs.Err()
}

func unfold(v []byte) string {
	s := strings.ReplaceAll(string(v), "\r\n", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// Get returns a message by ID.
func (s *Store) Get(ctx context.Context, id int64) (Message, error) {
	m := Message{ID: id}
	err := s.DB.Get(ctx, &m)
	if err == bstore.ErrAbsent {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	} else if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// List returns all messages, oldest first.
func (s *Store) List(ctx context.Context) ([]Message, error) {
	return bstore.QueryDB[Message](ctx, s.DB).SortAsc("ID").List()
}

// FindMessageID returns the messages with a Message-ID header value.
func (s *Store) FindMessageID(ctx context.Context, messageID string) ([]Message, error) {
	q := bstore.QueryDB[Message](ctx, s.DB)
	q.FilterNonzero(Message{MessageID: messageID})
	return q.List()
}

// SaveStructure stores the parsed MIME structure of a message.
func (s *Store) SaveStructure(ctx context.Context, id int64, st *message.Structure) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Message{ID: id}
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		m.Parsed = true
		m.Parts = st.Parts
		if len(st.Parts) > 0 {
			m.HeaderSize = st.Parts[0].HeaderSize
		}
		return tx.Update(&m)
	})
}

// Remove removes a message and its file.
func (s *Store) Remove(ctx context.Context, log mlog.Log, id int64) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Message{ID: id}
		if err := tx.Delete(&m); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %d", ErrUnknownMessage, id)
		} else if err != nil {
			return fmt.Errorf("removing message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = os.Remove(s.MessagePath(id))
	log.Check(err, "removing message file", slog.Int64("id", id))
	return nil
}
