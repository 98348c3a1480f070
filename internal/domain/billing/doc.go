// Package billing provides the domain model for usage-based overage billing.
//
// This package implements the overage billing bounded context, which is responsible for:
//   - Tracking whether a tenant has opted into overage billing and its budget
//   - Deriving overage minutes and the charge owed from the usage ledger
//   - Describing the remote billing provider (subscriptions, line items, metered prices)
//
// Key Aggregates:
//   - Account: the tenant billing record, including the attached metered line item
//   - Plan: a product offering and its cached metered price
//
// Value Objects:
//   - UsagePeriod: minutes used and included for one billing cycle
//   - Event: an append-only record of a billing-state transition
//
// The remote provider and the datastore are reached only through the Provider
// and repository interfaces declared here.
package billing
