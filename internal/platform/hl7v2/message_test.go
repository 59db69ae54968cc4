package hl7v2

import (
	"testing"
)

// =========== Sample Messages ===========

const sampleRDS = "MSH|^~\\&|Cubex|VetsRUs|VPMS|Main Clinic|20140820093322+1000||RDS^O13^RDS_O13|1200022|P|2.5||||||8859/1\r" +
	"PID|1|10231^^^VPMS^PN|1001^^^VPMS^PN||Bar^Fido||20140701000000+1000|M|||123 Broadwater Avenue^^Cape Woolamai^VIC^3058\r" +
	"PV1|1|U|^^^Main Clinic||||||||||||||2001||||||||||||||||||||||||||20140820000000+1000\r" +
	"ORC|RE|10231||||||||||5^Blogs^Joe\r" +
	"RXO|4001^Valium 2mg^VPMS||||TAB^Tablets^VPMS||||||2\r" +
	"RXE|1^BID^^20140820|4001^Valium 2mg^VPMS|2||TAB^Tablets^VPMS\r" +
	"RXD|1|4001^Valium 2mg^VPMS|20140820|2|TAB^Tablets^VPMS|||123456\r"

const sampleORM = "MSH|^~\\&|Cubex|VetsRUs|VPMS|Main Clinic|20140820093322||ORM^O01|MSG00003|P|2.5\r" +
	"PID|1||MRN12345~ALT99^^^OTHER||Doe^John||19800515|M\r" +
	"ORC|NW|ORD001^PLACER||||||||||||\r" +
	"OBR|1|ORD001||85025^CBC^LN|||20240115120000\r" +
	"ORC|CA|ORD002\r" +
	"OBR|2|ORD002||85026^LFT^LN"

// =========== Parser Tests ===========

func TestParse_RDS_O13(t *testing.T) {
	msg, err := Parse([]byte(sampleRDS))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "RDS^O13^RDS_O13" {
		t.Errorf("expected Type 'RDS^O13^RDS_O13', got %q", msg.Type)
	}
	if msg.ControlID != "1200022" {
		t.Errorf("expected ControlID '1200022', got %q", msg.ControlID)
	}
	if msg.Version != "2.5" {
		t.Errorf("expected Version '2.5', got %q", msg.Version)
	}
	if msg.SendingApp != "Cubex" || msg.SendingFac != "VetsRUs" {
		t.Errorf("unexpected sender %q/%q", msg.SendingApp, msg.SendingFac)
	}
	if msg.ReceivingApp != "VPMS" || msg.ReceivingFac != "Main Clinic" {
		t.Errorf("unexpected receiver %q/%q", msg.ReceivingApp, msg.ReceivingFac)
	}
	if msg.Timestamp.UTC().Hour() != 23 || msg.Timestamp.UTC().Day() != 19 {
		t.Errorf("expected timestamp in +1000 to be 2014-08-19T23:33:22Z, got %v", msg.Timestamp.UTC())
	}
	if msg.TypeKey() != "RDS^O13" {
		t.Errorf("expected TypeKey 'RDS^O13', got %q", msg.TypeKey())
	}
}

func TestParse_EmptyInput(t *testing.T) {
	if _, err := Parse([]byte("")); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := Parse(nil); err == nil {
		t.Error("expected error for nil input")
	}
}

func TestParse_NoMSH(t *testing.T) {
	if _, err := Parse([]byte("PID|1||12345")); err == nil {
		t.Error("expected error when first segment is not MSH")
	}
}

func TestParse_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"cr": "\r", "lf": "\n", "crlf": "\r\n"} {
		t.Run(name, func(t *testing.T) {
			raw := "MSH|^~\\&|A|B|C|D|20240115||ORM^O01|X1|P|2.5" + sep + "PID|1||42" + sep
			msg, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msg.Segments) != 2 {
				t.Errorf("expected 2 segments, got %d", len(msg.Segments))
			}
		})
	}
}

func TestParse_MSHEncodingCharacters(t *testing.T) {
	msg, err := Parse([]byte(sampleORM))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msh := msg.GetSegment("MSH")
	if msh.GetField(1) != "|" {
		t.Errorf("expected MSH-1 '|', got %q", msh.GetField(1))
	}
	if msh.GetField(2) != `^~\&` {
		t.Errorf("expected MSH-2 to be kept whole, got %q", msh.GetField(2))
	}
	if got := string(SerializeMessage(msg)); got != sampleORM {
		t.Errorf("serialized message differs from input:\n%q\n%q", got, sampleORM)
	}
}

// =========== Header Tests ===========

func TestMessage_Header(t *testing.T) {
	raw := "MSH|^~\\&|Cubex^1.2.3^ISO|VetsRUs|VPMS|Main Clinic^X|20140820||ORM^O01^ORM_O01|1|P|2.5"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hdr, err := msg.Header()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Header{
		SendingApplication:   "Cubex",
		SendingFacility:      "VetsRUs",
		ReceivingApplication: "VPMS",
		ReceivingFacility:    "Main Clinic",
		MessageType:          "ORM^O01",
	}
	if hdr != want {
		t.Errorf("expected %+v, got %+v", want, hdr)
	}
}

func TestMessage_Header_Unset(t *testing.T) {
	msg, err := Parse([]byte("MSH|^~\\&|Cubex||||20140820||ORM^O01|1|P|2.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hdr, err := msg.Header()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.SendingFacility != "" || hdr.ReceivingApplication != "" || hdr.ReceivingFacility != "" {
		t.Errorf("expected unset fields to be empty, got %+v", hdr)
	}
}

func TestMessage_Header_MissingType(t *testing.T) {
	msg, err := Parse([]byte("MSH|^~\\&|Cubex|VetsRUs|VPMS|Main Clinic|20140820"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := msg.Header(); err == nil {
		t.Error("expected error when MSH-9 is missing")
	}
}

// =========== Accessor Tests ===========

func TestMessage_PatientID(t *testing.T) {
	msg := parseTestMessage(t, sampleORM)
	if id := msg.PatientID(); id != "MRN12345" {
		t.Errorf("expected 'MRN12345', got %q", id)
	}

	msg = parseTestMessage(t, "MSH|^~\\&|A|B|C|D|20240115||ORM^O01|X1|P|2.5\rPID|1|EXT7^^^VPMS||||Bar^Fido")
	if id := msg.PatientID(); id != "EXT7" {
		t.Errorf("expected PID-2 fallback 'EXT7', got %q", id)
	}

	msg = parseTestMessage(t, "MSH|^~\\&|A|B|C|D|20240115||ORM^O01|X1|P|2.5\rPID|1||~99^^^VPMS")
	if id := msg.PatientID(); id != "99" {
		t.Errorf("expected first populated repetition '99', got %q", id)
	}
}

func TestMessage_PatientName(t *testing.T) {
	msg := parseTestMessage(t, sampleRDS)
	family, given := msg.PatientName()
	if family != "Bar" || given != "Fido" {
		t.Errorf("expected Bar/Fido, got %q/%q", family, given)
	}
}

func TestMessage_Groups(t *testing.T) {
	msg := parseTestMessage(t, sampleORM)
	groups := msg.Groups("ORC")
	if len(groups) != 2 {
		t.Fatalf("expected 2 ORC groups, got %d", len(groups))
	}
	if groups[0].Get("ORC").GetField(1) != "NW" {
		t.Errorf("expected first group control NW")
	}
	if groups[1].Get("OBR").GetField(2) != "ORD002" {
		t.Errorf("expected second group OBR-2 'ORD002', got %q", groups[1].Get("OBR").GetField(2))
	}
	if groups[0].Get("RXD") != nil {
		t.Error("expected no RXD segment in ORM group")
	}
}

func TestSegment_GetRepetition(t *testing.T) {
	msg := parseTestMessage(t, sampleORM)
	pid := msg.GetSegment("PID")
	if pid.Repetitions(3) != 2 {
		t.Fatalf("expected 2 repetitions of PID-3, got %d", pid.Repetitions(3))
	}
	if got := pid.GetRepetition(3, 1, 4); got != "OTHER" {
		t.Errorf("expected 'OTHER', got %q", got)
	}
	if got := pid.GetRepetition(3, 5, 1); got != "" {
		t.Errorf("expected empty for out of range repetition, got %q", got)
	}
	if got := pid.GetComponent(99, 1); got != "" {
		t.Errorf("expected empty for out of range field, got %q", got)
	}
}

func TestSegment_SetField(t *testing.T) {
	seg := Segment{Name: "ERR"}
	seg.SetField(3, "207", "Application internal error")
	if len(seg.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(seg.Fields))
	}
	if seg.GetField(3) != "207^Application internal error" {
		t.Errorf("unexpected ERR-3 %q", seg.GetField(3))
	}
	if seg.GetComponent(3, 2) != "Application internal error" {
		t.Errorf("unexpected ERR-3.2 %q", seg.GetComponent(3, 2))
	}
	if serializeSegment(seg) != "ERR|||207^Application internal error" {
		t.Errorf("unexpected serialization %q", serializeSegment(seg))
	}
}

func TestMessage_Raw(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240115||ORM^O01|C1|P|2.5\r\nPID|1||1001 \n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Raw() != raw {
		t.Errorf("expected the received bytes, got %q", msg.Raw())
	}
	if msg.String() == raw {
		t.Error("expected String to serialize the normalized segments")
	}

	ack := GenerateACK(msg, AckAccept)
	if ack.Raw() != ack.String() {
		t.Error("expected a built message to fall back to serialization")
	}
}
