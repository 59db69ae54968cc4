package reconcile

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// rdsProcessor reconciles pharmacy dispenses. A negative dispense amount is
// a return of that quantity.
type rdsProcessor struct {
	*Reconciler
}

func (p *rdsProcessor) Process(ctx context.Context, msg *hl7v2.Message, env Env) (*order.Aggregate, error) {
	groups := msg.Groups("ORC")
	if len(groups) == 0 {
		return nil, hl7v2.NewRejection(hl7v2.ErrRequiredFieldMissing, "RDS message contains no ORDER group")
	}

	type dispense struct {
		orc, rxd *hl7v2.Segment
		quantity float64
	}
	// validate every group before resolving anything
	dispenses := make([]dispense, 0, len(groups))
	for i, g := range groups {
		rxd := g.Get("RXD")
		if rxd == nil {
			return nil, hl7v2.NewRejection(hl7v2.ErrRequiredFieldMissing, "ORDER group %d has no RXD segment", i+1)
		}
		q, err := dispenseAmount(rxd)
		if err != nil {
			return nil, err
		}
		dispenses = append(dispenses, dispense{orc: g.Get("ORC"), rxd: rxd, quantity: q})
	}

	s, err := p.begin(ctx, msg, env)
	if err != nil {
		return nil, err
	}
	for _, d := range dispenses {
		prior, err := p.correlate(ctx, s, placerOrderNumber(d.orc, nil))
		if err != nil {
			return nil, err
		}
		clinician := d.rxd.GetComponent(10, 1)
		if clinician == "" {
			clinician = d.orc.GetComponent(12, 1)
		}
		err = p.addItem(ctx, s, line{
			Return:       d.quantity < 0,
			Quantity:     d.quantity,
			Product:      codedAt(d.rxd, 2),
			ProductLabel: "Dispense Give Code",
			Units:        codedAt(d.rxd, 5),
			Clinician:    clinician,
			Reference:    d.rxd.GetComponent(7, 1),
			Prior:        prior,
		})
		if err != nil {
			return nil, err
		}
	}
	return p.finish(s)
}

// dispenseAmount parses RXD-4. An empty amount is zero.
func dispenseAmount(rxd *hl7v2.Segment) (float64, error) {
	text := strings.TrimSpace(rxd.GetComponent(4, 1))
	if text == "" {
		return 0, nil
	}
	q, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0, hl7v2.NewRejection(hl7v2.ErrDataType, "Invalid Actual Dispense Amount '%s'", text)
	}
	return q, nil
}
