/*
Package consoleapi is a client for the admin console API, built on package
gateway.

New wires a Gateway with an Auth as its session controller, so a 401 from
any endpoint refreshes the session through the refresh cookie and replays the
call:

	transport, _ := gateway.NewHTTPTransport("https://admin.example.com/api/v1")
	console, err := consoleapi.New(consoleapi.Config{Transport: transport, Store: store})

	_, err = console.Auth.Login(ctx, "admin", password)
	env, err := console.Client.Resource("users").List(ctx, url.Values{"page": {"1"}})

Every endpoint answers with an Envelope of code, message and data; Decode
unpacks data into a caller-supplied value. Resource schemas are not modelled.
*/
package consoleapi
