// jwt implements the compact JWT serialization used by the oidc package. It
// decodes and encodes the three-segment "header.payload.signature" form,
// keeping the registered claims (RFC 7519, section 4.1) separate from any
// extension claims a provider may add.
//
// The package does not verify signatures. Tokens decoded here are treated as
// untrusted input and validated against the relying party's configuration by
// the oidc package; tokens encoded here are unsigned and only suitable for
// local construction (tests, token import).
package jwt
