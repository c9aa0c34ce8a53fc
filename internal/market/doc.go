// Package market implements the demand/offer negotiation protocol: the
// proposal arena, the property and constraint surfaces, and the
// counter-proposal engine that converges on an agreement-ready proposal.
//
// The engine treats properties as opaque key/value pairs: it matches
// constraints and tests structural equality, never interpreting semantics.
// Negotiated values (debit-note intervals, accept timeouts, multi-activity
// capability) are read downstream by the agreement and payment layers.
package market
