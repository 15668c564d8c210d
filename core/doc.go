// Package core contains the loyalty controller: session lifecycle, step-up
// verification, entitlement caching, the optimistic ledger and payment
// coordination. Adapters depend on this package; core must not depend on
// storage, gateway or identity adapters.
package core
