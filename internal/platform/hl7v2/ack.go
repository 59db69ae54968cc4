package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Acknowledgment codes (HL7 table 0008).
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// ErrorCode is an HL7 message error condition code (HL7 table 0357).
type ErrorCode int

const (
	ErrSegmentSequence       ErrorCode = 100
	ErrRequiredFieldMissing  ErrorCode = 101
	ErrDataType              ErrorCode = 102
	ErrTableValueNotFound    ErrorCode = 103
	ErrUnsupportedMessage    ErrorCode = 200
	ErrUnsupportedEvent      ErrorCode = 201
	ErrUnsupportedProcessing ErrorCode = 202
	ErrUnsupportedVersion    ErrorCode = 203
	ErrUnknownKey            ErrorCode = 204
	ErrDuplicateKey          ErrorCode = 205
	ErrRecordLocked          ErrorCode = 206
	ErrApplicationInternal   ErrorCode = 207
)

var errorCodeText = map[ErrorCode]string{
	ErrSegmentSequence:       "Segment sequence error",
	ErrRequiredFieldMissing:  "Required field missing",
	ErrDataType:              "Data type error",
	ErrTableValueNotFound:    "Table value not found",
	ErrUnsupportedMessage:    "Unsupported message type",
	ErrUnsupportedEvent:      "Unsupported event code",
	ErrUnsupportedProcessing: "Unsupported processing id",
	ErrUnsupportedVersion:    "Unsupported version id",
	ErrUnknownKey:            "Unknown key identifier",
	ErrDuplicateKey:          "Duplicate key identifier",
	ErrRecordLocked:          "Application record locked",
	ErrApplicationInternal:   "Application internal error",
}

// Text returns the HL7 description of the code.
func (c ErrorCode) Text() string {
	if t, ok := errorCodeText[c]; ok {
		return t
	}
	return "Unknown error"
}

// Error is an error that carries an HL7 error condition. Errors with Reject
// set are protocol violations and are acknowledged with AR rather than AE.
type Error struct {
	Code    ErrorCode
	Message string
	Reject  bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an application error (AE) with the given code.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRejection returns a protocol violation (AR) with the given code.
func NewRejection(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Reject: true}
}

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2. MSH-7
// carries milliseconds and a timezone; receivers reformat it as configured.
func GenerateACK(incoming *Message, ackCode string) *Message {
	now := time.Now()
	return generateACK(incoming, ackCode, now)
}

func generateACK(incoming *Message, ackCode string, now time.Time) *Message {
	// incoming.Type is something like "RDS^O13"; the ACK echoes the trigger.
	trigger := ""
	if msh := incoming.GetSegment("MSH"); msh != nil {
		trigger = msh.GetComponent(9, 2)
	}

	controlID := fmt.Sprintf("ACK%s", now.UTC().Format("20060102150405.000"))
	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: "MSH", Fields: []Field{
		{Value: "|", Components: []string{"|"}, Repeats: [][]string{{"|"}}},
		{Value: `^~\&`, Components: []string{`^~\&`}, Repeats: [][]string{{`^~\&`}}},
	}}
	msh.SetField(3, ack.SendingApp)
	msh.SetField(4, ack.SendingFac)
	msh.SetField(5, ack.ReceivingApp)
	msh.SetField(6, ack.ReceivingFac)
	msh.SetField(7, FormatTimestamp(now, true, true))
	msh.SetField(8)
	msh.SetField(9, "ACK", trigger, "ACK")
	msh.SetField(10, controlID)
	msh.SetField(11, processingID(incoming))
	msh.SetField(12, incoming.Version)

	msa := Segment{Name: "MSA"}
	msa.SetField(1, ackCode)
	msa.SetField(2, incoming.ControlID)

	ack.Segments = []Segment{msh, msa}
	return ack
}

// GenerateNAK creates a negative acknowledgement for err. *Error values
// supply the HL7 error code and the AE/AR choice; any other error is reported
// as an application internal error (207) with AE.
func GenerateNAK(incoming *Message, err error) *Message {
	code := ErrApplicationInternal
	ackCode := AckError
	var hl7Err *Error
	if errors.As(err, &hl7Err) {
		code = hl7Err.Code
		if hl7Err.Reject {
			ackCode = AckReject
		}
	}

	nak := GenerateACK(incoming, ackCode)
	text := ""
	if err != nil {
		text = err.Error()
	}

	// ERR-3 is a CWE: identifier^text^coding system^...^original text (ERR-3.9)
	errSeg := Segment{Name: "ERR"}
	errSeg.SetField(3, fmt.Sprintf("%d", code), code.Text(), "HL70357", "", "", "", "", "", Escape(text))
	errSeg.SetField(4, "E")
	nak.Segments = append(nak.Segments, errSeg)
	return nak
}

func processingID(incoming *Message) string {
	if msh := incoming.GetSegment("MSH"); msh != nil {
		if id := msh.GetComponent(11, 1); id != "" {
			return id
		}
	}
	return "P"
}

// AckCode returns MSA-1 of an acknowledgement, or "" if there is no MSA.
func AckCode(msg *Message) string {
	if msg == nil {
		return ""
	}
	msa := msg.GetSegment("MSA")
	if msa == nil {
		return ""
	}
	return msa.GetField(1)
}

// IsAccepted reports whether msg is an ACK carrying the AA code.
func IsAccepted(msg *Message) bool {
	if msg == nil {
		return false
	}
	msh := msg.GetSegment("MSH")
	if msh == nil || msh.GetComponent(9, 1) != "ACK" {
		return false
	}
	return AckCode(msg) == AckAccept
}

// ErrorMessage builds a human-readable error from a negative acknowledgement.
// It concatenates MSA-3, each ERR segment and MSA-6, in that order. If none
// are present, the serialized response is returned.
func ErrorMessage(msg *Message) string {
	if msg == nil {
		return "Unknown error"
	}
	var lines []string
	add := func(label, code, text string) {
		code, text = Unescape(code), Unescape(text)
		switch {
		case code != "" && text != "":
			lines = append(lines, label+": "+code+" - "+text)
		case code != "":
			lines = append(lines, label+": "+code)
		case text != "":
			lines = append(lines, label+": "+text)
		}
	}

	msa := msg.GetSegment("MSA")
	if msa != nil {
		if text := msa.GetField(3); text != "" {
			lines = append(lines, Unescape(text))
		}
	}
	for _, seg := range msg.GetSegments("ERR") {
		add("HL7 Error Code", seg.GetComponent(3, 1), seg.GetComponent(3, 2))
		add("Original Text", "", seg.GetComponent(3, 9))
		add("Application Error Code", seg.GetComponent(5, 1), seg.GetComponent(5, 2))
		add("Diagnostic Information", "", seg.GetField(7))
		add("User Message", "", seg.GetField(8))
	}
	if msa != nil {
		add("Error Condition", msa.GetComponent(6, 1), msa.GetComponent(6, 2))
	}

	if len(lines) == 0 {
		return string(SerializeMessage(msg))
	}
	return strings.Join(lines, "\n")
}

var (
	escaper = strings.NewReplacer(`\`, `\E\`, "|", `\F\`, "^", `\S\`, "&", `\T\`, "~", `\R\`)
	unescaper = strings.NewReplacer(`\E\`, `\`, `\F\`, "|", `\S\`, "^", `\T\`, "&", `\R\`, "~",
		`\.br\`, "\n")
)

// Escape encodes delimiter characters using the default HL7 escape sequences.
func Escape(s string) string { return escaper.Replace(s) }

// Unescape decodes the default HL7 escape sequences.
func Unescape(s string) string { return unescaper.Replace(s) }
