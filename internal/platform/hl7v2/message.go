package hl7v2

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "RDS^O13")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3.1
	SendingFac   string    // MSH-4.1
	ReceivingApp string    // MSH-5.1
	ReceivingFac string    // MSH-6.1
	Segments     []Segment

	raw []byte // as received, before segment normalization
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "ORC", "RXD"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Header holds the MSH fields used to route a message to a connector.
// An empty string means the field was not populated.
type Header struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	MessageType          string
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	// First segment must be MSH
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	msg := &Message{raw: bytes.Clone(raw)}
	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Raw returns the bytes the message was parsed from. Messages built in code
// have none and are serialized instead.
func (m *Message) Raw() string {
	if m.raw == nil {
		return m.String()
	}
	return string(m.raw)
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: the field separator (|) is MSH-1 itself, so
	// Fields[0] = MSH-1, Fields[1] = MSH-2 (encoding characters), and so on.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})

		for i, part := range strings.Split(line[4:], fieldSep) {
			if i == 0 {
				// encoding characters are not split into components
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// newField builds a Field from its components.
func newField(components ...string) Field {
	return parseField(strings.Join(components, "^"))
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
// Application and facility fields are HD types; only the namespace id
// (first component) identifies the peer.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)

	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
	return nil
}

// Header returns the routing header of the message. It fails if the MSH
// segment is missing or does not carry a message type.
func (m *Message) Header() (Header, error) {
	if m == nil {
		return Header{}, fmt.Errorf("hl7v2: no message")
	}
	msh := m.GetSegment("MSH")
	if msh == nil {
		return Header{}, fmt.Errorf("hl7v2: MSH segment not found")
	}
	if len(msh.Fields) < 9 || msh.GetComponent(9, 1) == "" {
		return Header{}, fmt.Errorf("hl7v2: MSH-9 message type not populated")
	}
	return Header{
		SendingApplication:   msh.GetComponent(3, 1),
		SendingFacility:      msh.GetComponent(4, 1),
		ReceivingApplication: msh.GetComponent(5, 1),
		ReceivingFacility:    msh.GetComponent(6, 1),
		MessageType:          msh.GetComponent(9, 1) + "^" + msh.GetComponent(9, 2),
	}, nil
}

// TypeKey returns the message code and trigger event, e.g. "ORM^O01",
// ignoring any message structure component.
func (m *Message) TypeKey() string {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return ""
	}
	code, trigger := msh.GetComponent(9, 1), msh.GetComponent(9, 2)
	if trigger == "" {
		return code
	}
	return code + "^" + trigger
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Groups splits the message into repeating groups. Each group starts at a
// segment named start and runs up to, but not including, the next one.
// Segments before the first start segment are not part of any group.
func (m *Message) Groups(start string) []Group {
	var groups []Group
	for _, seg := range m.Segments {
		if seg.Name == start {
			groups = append(groups, Group{seg})
			continue
		}
		if len(groups) > 0 {
			groups[len(groups)-1] = append(groups[len(groups)-1], seg)
		}
	}
	return groups
}

// Group is a run of segments belonging to one repeating segment group.
type Group []Segment

// Get returns the first segment in the group with the given name, or nil.
func (g Group) Get(name string) *Segment {
	for i := range g {
		if g[i].Name == name {
			return &g[i]
		}
	}
	return nil
}

// field returns the field at the 1-based HL7 index, or nil.
// MSH-1 is Fields[0] for MSH as well as field-1 for other segments.
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component value of the first repetition by 1-based
// field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.GetRepetition(fieldIdx, 0, compIdx)
}

// GetRepetition returns a component of the given 0-based repetition.
func (s *Segment) GetRepetition(fieldIdx, rep, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil || rep < 0 || rep >= len(f.Repeats) {
		return ""
	}
	comps := f.Repeats[rep]
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// Repetitions returns the number of repetitions of a field.
func (s *Segment) Repetitions(fieldIdx int) int {
	f := s.field(fieldIdx)
	if f == nil || f.Value == "" {
		return 0
	}
	return len(f.Repeats)
}

// SetField replaces the field at the 1-based index, padding with empty
// fields as required.
func (s *Segment) SetField(index int, components ...string) {
	if index < 1 {
		return
	}
	for len(s.Fields) < index {
		s.Fields = append(s.Fields, Field{Components: []string{""}, Repeats: [][]string{{""}}})
	}
	s.Fields[index-1] = newField(components...)
}

// PatientID returns the first populated PID-3 identifier, falling back to
// PID-2 (external patient id) when PID-3 is empty.
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	for rep := 0; rep < pid.Repetitions(3); rep++ {
		if id := pid.GetRepetition(3, rep, 1); id != "" {
			return id
		}
	}
	return pid.GetComponent(2, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}

// DateOfBirth returns PID-7 (date of birth).
func (m *Message) DateOfBirth() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(7)
}

// Gender returns PID-8 (administrative sex).
func (m *Message) Gender() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(8)
}
