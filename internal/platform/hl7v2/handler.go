package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ParseHandler provides an HTTP endpoint for inspecting HL7v2 messages.
type ParseHandler struct{}

// NewParseHandler creates a new HL7v2 parse handler.
func NewParseHandler() *ParseHandler {
	return &ParseHandler{}
}

// RegisterRoutes registers the HL7v2 parse endpoint on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse HL7v2 message to JSON
func (h *ParseHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

type headerJSON struct {
	SendingApplication   string `json:"sendingApplication"`
	SendingFacility      string `json:"sendingFacility"`
	ReceivingApplication string `json:"receivingApplication"`
	ReceivingFacility    string `json:"receivingFacility"`
	MessageType          string `json:"messageType"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 (optionally MLLP framed) from the request body and
// returns parsed JSON, including the routing header.
func (h *ParseHandler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	if inner, _, found := UnframeMessage(body); found {
		body = inner
	}

	msg, err := Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}

	result := map[string]interface{}{
		"type":      msg.Type,
		"controlId": msg.ControlID,
		"version":   msg.Version,
		"timestamp": msg.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		"segments":  segments,
	}
	if hdr, err := msg.Header(); err == nil {
		result["header"] = headerJSON(hdr)
	} else {
		result["headerError"] = err.Error()
	}

	return c.JSON(http.StatusOK, result)
}
