// Package protocol defines the narrow capability surface the gateway consumes
// from a messaging-network client.
//
// A Factory turns stored credential material into a Client. The Client reports
// its lifecycle asynchronously through an EventSink:
//
//   - EventChallenge: a pairing payload the operator must present (QR or URL)
//   - EventConnected: the link is established
//   - EventDisconnected: the link dropped; Terminal means the credential was revoked
//   - EventCredentialsChanged: new material that must be persisted
//
// Implementations live in sub-packages (matrix) and a scriptable fake for
// tests lives in protocoltest.
package protocol
