// Package matrix implements the gateway's protocol client on a Matrix
// homeserver. A new session presents the homeserver's SSO login URL as its
// pairing challenge; the login token delivered to the pairing callback is
// exchanged for an access token, which becomes the session's stored
// credential material.
package matrix
