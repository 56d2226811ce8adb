// Package credentials models the bearer tokens the rest broker attaches
// to privileged requests and the sources that can produce fresh ones.
//
// A Source is the reauthorization hook: when the broker detects a
// session-expired response it asks its Source for a new token exactly
// once, no matter how many requests failed together. Sources may block
// for as long as they like (a desktop application typically shows a
// password prompt); the broker stays responsive while they do.
//
// Shipped sources: StaticSource (fixed token), FileSource (rotated
// on-disk token picked up via fsnotify), OAuth2Source (refresh-token
// grant against an OIDC issuer) and SingleFlightSource, a wrapper that
// deduplicates concurrent Refresh calls when one source feeds several
// broker instances.
package credentials
