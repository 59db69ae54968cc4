package reconcile

import (
	"context"

	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Order control codes (HL7 table 0119) accepted in ORM^O01.
var (
	newOrderCodes = map[string]bool{"NW": true, "RP": true, "XO": true, "SN": true}
	cancelCodes   = map[string]bool{"CA": true, "OC": true, "CR": true, "DC": true, "OD": true, "DR": true}
)

// ormProcessor reconciles general orders. New and replacement orders become
// order items; cancellations and discontinuations become return items.
type ormProcessor struct {
	*Reconciler
}

func (p *ormProcessor) Process(ctx context.Context, msg *hl7v2.Message, env Env) (*order.Aggregate, error) {
	groups := msg.Groups("ORC")
	if len(groups) == 0 {
		return nil, hl7v2.NewRejection(hl7v2.ErrRequiredFieldMissing, "ORM message contains no ORC segment")
	}

	s, err := p.begin(ctx, msg, env)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		orc, obr := g.Get("ORC"), g.Get("OBR")
		control := orc.GetComponent(1, 1)

		var ret bool
		switch {
		case newOrderCodes[control]:
		case cancelCodes[control]:
			ret = true
		default:
			return nil, hl7v2.NewRejection(hl7v2.ErrTableValueNotFound, "Unsupported order control code '%s'", control)
		}

		prior, err := p.correlate(ctx, s, placerOrderNumber(orc, obr))
		if err != nil {
			return nil, err
		}

		clinician := orc.GetComponent(12, 1)
		if clinician == "" && obr != nil {
			clinician = obr.GetComponent(16, 1)
		}
		err = p.addItem(ctx, s, line{
			Return:       ret,
			Quantity:     1,
			Product:      codedAt(obr, 4),
			ProductLabel: "Universal Service Identifier",
			Clinician:    clinician,
			Reference:    orc.GetComponent(3, 1),
			Prior:        prior,
		})
		if err != nil {
			return nil, err
		}
	}
	return p.finish(s)
}
