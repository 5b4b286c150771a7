/*
Package gateway is the authenticated request layer of the admin console client.

# Overview

Every call to the admin API goes through a Gateway. The Gateway attaches the
current bearer token, sends the request over a Transport, and turns the result
into either the raw response body or a single normalized *Error. When the
server answers 401 the Gateway refreshes the session and replays the call,
without the caller noticing.

	transport, err := gateway.NewHTTPTransport("https://admin.example.com/api/v1")
	gw, err := gateway.New(transport, store, session,
		gateway.WithLogger(logger),
		gateway.WithLanguage(language.SimplifiedChinese),
	)

	req, err := gateway.NewRequest(http.MethodGet, "/users").Query("page", "1").Build()
	body, err := gw.Dispatch(ctx, req)

# Requests

Requests are built with NewRequest and are immutable once built. Structured
POST and PUT bodies are sanitized at build time: empty strings, nulls and
containers that end up empty are removed (see Sanitize). Pre-encoded bodies
set with Body, such as multipart uploads, are sent untouched.

Two kinds of request are never refreshed:

  - requests built with SkipAuth, such as login and the refresh call itself
  - requests that have already been replayed once

A 401 on either is returned to the caller as is. A request that sets its own
Authorization header is sent with it first; if that is rejected, it is
refreshed and replayed with the session token like any other.

# Token Refresh

The first eligible 401 starts a refresh episode: SessionController.RefreshSession
is called exactly once, on its own goroutine, bounded by the refresh timeout
and detached from the triggering caller's cancellation. Every eligible 401
that arrives while the episode runs is queued. When the episode ends:

 1. On success the new token is written to the CredentialStore, then the queued
    calls are replayed in arrival order, then the call that triggered the
    episode. Each caller receives the result of its own replay.
 2. On failure SessionController.OnSessionInvalid is called once, then every
    queued call and the trigger fail with KindSessionExpired.

A call rejected with a token that is no longer current is replayed straight
away with the current token; the refresh it would have waited for has already
happened.

A replayed call that is rejected again fails with KindSessionExpired and the
session is torn down. Repeated rejections of a token that has already been
torn down are not reported again.

A caller whose context ends while it waits on an episode gets KindCancelled,
or a timeout if its deadline passed.

# Errors

Every failure is an *Error with one of five kinds:

	KindNetworkUnreachable  no response (connection failure or timeout)
	KindServer              4xx or 5xx response
	KindSessionExpired      credentials rejected after refresh, or refresh failed
	KindCancelled           the caller's context was cancelled
	KindUnknown             anything else

Messages prefer the server's own "message" field and otherwise fall back to a
localized default chosen by status code. English and Simplified Chinese are
provided; see WithLanguage.

# Cancellation

Cancelling a call's context settles that call with KindCancelled whether it
is in flight, queued behind a refresh, or being replayed. A cancelled call
leaves the queue and is never settled again. The refresh episode itself keeps
running for the calls still waiting on it.
*/
package gateway
