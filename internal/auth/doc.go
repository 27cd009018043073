// Package auth drives the post-connect authentication handshake.
//
// Once the transport is open the controller sends an "authenticate" envelope
// carrying the session token and waits for "auth-success" or "auth-failure".
// The server may also ask for authentication at any time with
// "auth-required".
//
// A probe that gets no answer within the response timeout, or that is
// rejected, is retried after a short delay, up to three attempts. After the
// last attempt the controller reports ErrAuthentication and stops; the
// transport stays open but unauthenticated until a fresh connection is made.
//
// Without a token the handshake is skipped and the session counts as
// authenticated, unless the server explicitly requests authentication.
package auth
