/*
oidc implements the relying-party side of the OpenID Connect authorization
code flow for native applications: persisted client state, PKCE, token
exchange and refresh, ID token validation, and RP-initiated logout.

Primary types provided by the package

* Registry: the top-level manager. It creates, retrieves and deletes Clients
keyed by an opaque identifier, runs provider discovery at creation time, and
migrates persisted state between schema versions on load.

* Client: the per-identity facade. It exposes the current Tokens, a refresh
operation with single-flight coalescing, the RunWithTokens helper which
refreshes expired tokens before invoking a callback, and factories for the
two flows.

* AuthCodeFlow / EndSessionFlow: one-shot flow state machines. Prepare()
persists the flow's ephemeral secrets (state, nonce, PKCE verifier) into the
client's Snapshot and returns the provider URL to open in a browser;
Complete() consumes the redirect URI the browser returns. Because the
ephemeral state is persisted, a flow can be completed by a different process
than the one that prepared it.

* Snapshot: the full persisted state of one client identity. Snapshots are
immutable values replaced wholesale on every mutation and observable through
the Store's change streams.

Collaborators such as persistence (PersistentMap), transport (Requester),
time (Clock) and randomness (RandomSource) are small interfaces with
production defaults, injectable for tests.

The oidc/callback package provides the platform-facing surface: redirect
dispatch, a flow-result projection for UI layers, and a process-wide default
registry handle for OS-invoked callback handlers.
*/
package oidc
