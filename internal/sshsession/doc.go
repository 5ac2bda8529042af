// Package sshsession is the SSH session and remote-execution bridge.
//
// A Manager maps session ids to live interactive shells (Handle). Each Handle
// owns its SSH transport exclusively. A Bridge pumps bytes between a Handle and
// a browser-side Channel until either end goes away. The Executor runs one-shot
// commands over a fresh transport per call, and the Prober validates
// credentials by dialing and closing.
//
// All failures are reported as *Error values whose Kind is one of the
// Err* sentinels, so callers can branch with errors.Is.
package sshsession
