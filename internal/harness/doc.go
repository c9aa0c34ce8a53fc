// Package harness provides conformance testing for the settlement
// protocol.
//
// A scenario describes a demand, a simulated provider market, requestor
// funds and a scripted flow of protocol steps. The harness runs the full
// pipeline (negotiation, agreement lifecycle, metered billing,
// supervision, settlement) synchronously off a manual clock and records
// every protocol fact as a trace event.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: payu-single-activity
//	description: "Happy-path pay-as-you-use settlement"
//	demand:
//	  properties:
//	    golem.com.scheme.payu.debit-note.interval-sec?: "2"
//	  constraints: "(golem.com.pricing.model=linear)"
//	offers:
//	  - provider: provider-1
//	    properties:
//	      golem.com.pricing.model: linear
//	funds: "10"
//	allocation:
//	  total: "5"
//	cost_per_tick: "0.5"
//	flow:
//	  - step: confirm
//	  - step: approve
//	  - step: create_activity
//	  - step: tick
//	    count: 3
//	  - step: terminate
//	    reason: "Work done"
//	  - step: invoice
//	  - step: settle
//	expect:
//	  agreement_state: Terminated
//	  invoice_status: Settled
//	  paid_total: "1.5"
//
// # Deterministic Testing
//
// Scenarios execute with sequential id generators, a manual clock and an
// in-memory SQLite database, so the same scenario always produces a
// byte-identical trace. Golden files under testdata/golden/ are the
// source of truth for expected traces.
package harness
