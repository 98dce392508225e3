package quic

import (
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
)

// streamsMap is a session's stream table, keyed by stream ID. Iteration
// order for sending is insertion order; a priority scheme would slot in
// here.
type streamsMap struct {
	perspective Perspective

	streams map[StreamID]*Stream
	order   []StreamID

	numOutgoingBidi uint64
	numOutgoingUni  uint64
}

func newStreamsMap(pers Perspective) *streamsMap {
	return &streamsMap{
		perspective: pers,
		streams:     make(map[StreamID]*Stream),
	}
}

func (m *streamsMap) get(id StreamID) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

func (m *streamsMap) len() int { return len(m.streams) }

// openStream creates the next locally initiated stream of the given type.
func (m *streamsMap) openStream(stype StreamType, sess *Session) *Stream {
	var num uint64
	if stype == protocol.StreamTypeBidi {
		num = m.numOutgoingBidi
		m.numOutgoingBidi++
	} else {
		num = m.numOutgoingUni
		m.numOutgoingUni++
	}
	id := protocol.FirstStreamID(stype, m.perspective) + StreamID(4*num)
	s := newStream(id, sess, true)
	m.add(s)
	return s
}

// addIncoming creates a stream opened by the peer. The read-only side of a
// peer unidirectional stream is never writable locally.
func (m *streamsMap) addIncoming(id StreamID, sess *Session) *Stream {
	writable := id.Type() == protocol.StreamTypeBidi
	s := newStream(id, sess, writable)
	m.add(s)
	return s
}

func (m *streamsMap) add(s *Stream) {
	if _, ok := m.streams[s.id]; ok {
		panic(fmt.Sprintf("stream %d added twice", s.id))
	}
	m.streams[s.id] = s
	m.order = append(m.order, s.id)
}

// remove drops a stream from the table.
func (m *streamsMap) remove(id StreamID) {
	if _, ok := m.streams[id]; !ok {
		return
	}
	delete(m.streams, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// rangeOrdered calls f for every stream in insertion order, stopping when
// f returns false.
func (m *streamsMap) rangeOrdered(f func(*Stream) bool) {
	// iterate over a snapshot: f may remove streams
	ids := make([]StreamID, len(m.order))
	copy(ids, m.order)
	for _, id := range ids {
		s, ok := m.streams[id]
		if !ok {
			continue
		}
		if !f(s) {
			return
		}
	}
}
