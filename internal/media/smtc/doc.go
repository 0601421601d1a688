// Package smtc adapts the Windows global system media transport
// controls API into the provider interface: current-session state,
// timeline, thumbnail, and coalesced change notifications. Other
// platforms have no implementation; the server substitutes a null
// provider there.
package smtc
