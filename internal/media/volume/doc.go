// Package volume reads the system master volume and bridges its
// change notifications into the session loop. The implementation
// wraps the Windows audio endpoint COM API; other platforms get no
// client at all.
package volume
