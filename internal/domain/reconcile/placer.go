package reconcile

import "github.com/ehr/hl7hub/internal/platform/hl7v2"

// PlacerOrderNumber identifies the order a message refers to, as assigned by
// the system that placed it. Namespace names that system when present.
type PlacerOrderNumber struct {
	ID        string
	Namespace string
}

func (p PlacerOrderNumber) Empty() bool {
	return p.ID == ""
}

// placerOrderNumber reads ORC-2, falling back to OBR-2 when ORC-2 is empty.
func placerOrderNumber(orc, obr *hl7v2.Segment) PlacerOrderNumber {
	for _, seg := range []*hl7v2.Segment{orc, obr} {
		if seg == nil {
			continue
		}
		if id := seg.GetComponent(2, 1); id != "" {
			return PlacerOrderNumber{ID: id, Namespace: seg.GetComponent(2, 2)}
		}
	}
	return PlacerOrderNumber{}
}
