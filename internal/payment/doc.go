// Package payment implements the metered billing protocol: the allocation
// ledger, debit note issuance and acceptance, scheduled batched payments,
// and terminal invoices.
//
// Two independent duties run per agreement. The provider side emits debit
// notes at the negotiated interval while an activity runs and observes
// acceptances and payments; the requestor side consumes the debit note
// event stream, accepts each note against a funded allocation within the
// negotiated deadline, and executes scheduled payments. Deadline breaches
// are never retried here; they escalate to the timeout supervisor through
// the Watchdog interface.
//
// The reconciliation law ties the two sides together: over an agreement's
// lifetime, the provider's acceptance-observer sum equals the sum the
// requestor's payment stream reports as delivered.
package payment
