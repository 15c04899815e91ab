package imapfetch

import (
	"bytes"
	"io"

	"github.com/mjl-/sectfetch/message"
)

// MemorySource is a Source for a message held in memory. The structure is
// parsed on first use.
type MemorySource struct {
	Data []byte

	st  *message.Structure
	err error
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{Data: data}
}

func (m *MemorySource) Structure() (*message.Structure, error) {
	if m.st == nil && m.err == nil {
		m.st, m.err = message.Parse(nil, bytes.NewReader(m.Data), int64(len(m.Data)))
	}
	return m.st, m.err
}

func (m *MemorySource) Message(withHeader bool) (io.Reader, message.Size, error) {
	st, err := m.Structure()
	if err != nil {
		return nil, message.Size{}, err
	}
	root := st.Parts[st.Root()]
	if withHeader {
		return bytes.NewReader(m.Data), root.HeaderSize.Add(root.BodySize), nil
	}
	return bytes.NewReader(m.Data[root.BodyOffset():]), root.BodySize, nil
}

func (m *MemorySource) Open() (io.Reader, error) {
	return bytes.NewReader(m.Data), nil
}

func (m *MemorySource) Header() (io.Reader, message.Size, error) {
	st, err := m.Structure()
	if err != nil {
		return nil, message.Size{}, err
	}
	root := st.Parts[st.Root()]
	return bytes.NewReader(m.Data[:root.HeaderSize.Physical]), root.HeaderSize, nil
}
