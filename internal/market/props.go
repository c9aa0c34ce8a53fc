package market

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"

	"github.com/golemfactory/yagna/internal/protocol"
)

// Well-known property keys of the demand/offer surface. The negotiation
// engine never interprets their semantics beyond equality and constraint
// matching; the billing and supervisor layers read the negotiated values.
const (
	PropMultiActivity          = "golem.srv.caps.multi-activity"
	PropDebitNoteAcceptTimeout = "golem.com.payment.debit-notes.accept-timeout?"
	PropDebitNoteIntervalSec   = "golem.com.scheme.payu.debit-note.interval-sec?"
	PropPaymentTimeoutSec      = "golem.com.scheme.payu.payment-timeout-sec?"
	PropPricingModel           = "golem.com.pricing.model"
	PropRuntimeName            = "golem.runtime.name"
)

//go:embed schema.cue
var propsSchemaCUE string

// Props is the typed view of a demand/offer property bag.
//
// Known keys get typed fields; everything else lands in Extra and passes
// through negotiation untouched. Optional numeric fields are pointers so
// "not negotiated" is distinguishable from zero.
type Props struct {
	MultiActivity          *bool
	DebitNoteAcceptTimeout *int64 // seconds
	DebitNoteIntervalSec   *int64
	PaymentTimeoutSec      *int64
	PricingModel           string
	RuntimeName            string

	// Extra holds vendor-specific keys. Unknown keys are never dropped or
	// rewritten; they only participate in equality and constraint matching.
	Extra map[string]string
}

// Int64 returns a pointer to v. Convenience for optional property fields.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v. Convenience for optional property fields.
func Bool(v bool) *bool { return &v }

// MultiActivityEnabled reports whether the multi-activity capability was
// explicitly negotiated to true. An absent key means single-activity.
func (p Props) MultiActivityEnabled() bool {
	return p.MultiActivity != nil && *p.MultiActivity
}

// Flatten renders the property bag as a flat key/value map with
// NFC-canonical keys. This is the representation used for structural
// equality and constraint resolution.
func (p Props) Flatten() map[string]string {
	flat := make(map[string]string, 6+len(p.Extra))
	if p.MultiActivity != nil {
		flat[PropMultiActivity] = strconv.FormatBool(*p.MultiActivity)
	}
	if p.DebitNoteAcceptTimeout != nil {
		flat[PropDebitNoteAcceptTimeout] = strconv.FormatInt(*p.DebitNoteAcceptTimeout, 10)
	}
	if p.DebitNoteIntervalSec != nil {
		flat[PropDebitNoteIntervalSec] = strconv.FormatInt(*p.DebitNoteIntervalSec, 10)
	}
	if p.PaymentTimeoutSec != nil {
		flat[PropPaymentTimeoutSec] = strconv.FormatInt(*p.PaymentTimeoutSec, 10)
	}
	if p.PricingModel != "" {
		flat[PropPricingModel] = p.PricingModel
	}
	if p.RuntimeName != "" {
		flat[PropRuntimeName] = p.RuntimeName
	}
	for k, v := range p.Extra {
		flat[norm.NFC.String(k)] = v
	}
	return flat
}

// PropsFromFlat parses a flat key/value map back into a typed Props.
// Unknown keys land in Extra untouched. Malformed values for known numeric
// keys are a validation error.
func PropsFromFlat(flat map[string]string) (Props, error) {
	p := Props{}
	for k, v := range flat {
		switch norm.NFC.String(k) {
		case PropMultiActivity:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Props{}, protocol.Errorf(protocol.CodeValidation, "property %s: %q is not a boolean", k, v)
			}
			p.MultiActivity = &b
		case PropDebitNoteAcceptTimeout:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Props{}, protocol.Errorf(protocol.CodeValidation, "property %s: %q is not an integer", k, v)
			}
			p.DebitNoteAcceptTimeout = &n
		case PropDebitNoteIntervalSec:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Props{}, protocol.Errorf(protocol.CodeValidation, "property %s: %q is not an integer", k, v)
			}
			p.DebitNoteIntervalSec = &n
		case PropPaymentTimeoutSec:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Props{}, protocol.Errorf(protocol.CodeValidation, "property %s: %q is not an integer", k, v)
			}
			p.PaymentTimeoutSec = &n
		case PropPricingModel:
			p.PricingModel = v
		case PropRuntimeName:
			p.RuntimeName = v
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[norm.NFC.String(k)] = v
		}
	}
	return p, nil
}

// Equal reports structural equality of two property bags over their
// canonical flat form. This is the negotiation fixed-point test.
func (p Props) Equal(other Props) bool {
	a, b := p.Flatten(), other.Flatten()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Keys returns the sorted canonical key set. Used for deterministic
// logging and trace output.
func (p Props) Keys() []string {
	flat := p.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
)

// propsSchema compiles the embedded schema once. The cue.Context is kept
// alongside the value: documents must be encoded in the same context they
// are unified against.
func propsSchema() (*cue.Context, cue.Value) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(propsSchemaCUE).LookupPath(cue.ParsePath("#Props"))
	})
	return schemaCtx, schemaVal
}

// Validate checks the typed fields against the embedded CUE schema.
//
// The schema is an open struct: vendor keys in Extra are accepted without
// inspection, preserving pass-through behavior. Violations (negative
// timeouts, zero intervals) surface as validation errors.
func (p Props) Validate() error {
	ctx, schema := propsSchema()
	if err := schema.Err(); err != nil {
		return fmt.Errorf("props schema: %w", err)
	}

	doc := make(map[string]any, 6+len(p.Extra))
	if p.MultiActivity != nil {
		doc[PropMultiActivity] = *p.MultiActivity
	}
	if p.DebitNoteAcceptTimeout != nil {
		doc[PropDebitNoteAcceptTimeout] = *p.DebitNoteAcceptTimeout
	}
	if p.DebitNoteIntervalSec != nil {
		doc[PropDebitNoteIntervalSec] = *p.DebitNoteIntervalSec
	}
	if p.PaymentTimeoutSec != nil {
		doc[PropPaymentTimeoutSec] = *p.PaymentTimeoutSec
	}
	if p.PricingModel != "" {
		doc[PropPricingModel] = p.PricingModel
	}
	if p.RuntimeName != "" {
		doc[PropRuntimeName] = p.RuntimeName
	}
	for k, v := range p.Extra {
		doc[norm.NFC.String(k)] = v
	}

	val := ctx.Encode(doc)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return protocol.Errorf(protocol.CodeValidation, "invalid properties: %v", err)
	}
	return nil
}
