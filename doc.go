// Package consent implements the authorization-gating core of the Readerly
// reading app: parental-consent and password-reset token lifecycles, and the
// access gate that turns their outcome into routing decisions.
//
// Token protocol:
//   - ConsentRecord and PasswordResetToken rows are owned by the store. A
//     token moves out of its open state exactly once; the conditional update
//     issued by the repositories is the only arbiter, so two concurrent
//     Decide calls on the same token produce one winner and one
//     already-resolved error.
//   - Issuance is idempotent while a pending, unexpired record exists for the
//     subject: resending reuses the original token instead of invalidating a
//     link that may already be in the recipient's inbox.
//
// Access gate:
//   - Gate.Evaluate is a pure function from {session, profile, latest consent
//     record, current route} to a routing decision. It reads BOTH the profile
//     consent flag and the latest record status, so a half-applied approval
//     (record updated, profile write failed) still resolves on the next read.
//
// Reconciler:
//   - While a resolution is pending on another device, Reconciler re-fetches
//     authoritative state on a fixed interval (plus manual triggers), reduces
//     the results into a Snapshot, and reports each gate decision. It stops
//     exactly once and never applies a fetch that completed after teardown.
package consent
