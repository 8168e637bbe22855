// Package interceptor watches responses flowing through a shared HTTP client
// and triggers a session refresh when a response signals that the session
// has expired.
//
// The trigger rule is a single Classifier. By default a 406 Not Acceptable
// response is classified as TriggerAuthExpired. Every triggering response
// dispatches exactly one refresh; concurrent triggers are not coalesced.
//
// # Registration
//
// Register wraps the transport of an explicit client:
//
//	client := &http.Client{Jar: jar}
//	t, err := interceptor.Register(client, refresher)
//	// all requests made with client are now observed
//
// The original caller always receives the triggering response unchanged.
//
// # Outcomes
//
// Refresh outcomes are delivered as Result values to observers and, per
// request, to a Recorder placed in the request context:
//
//	ctx, rec := interceptor.WithRecorder(ctx)
//	resp, err := client.Do(req.WithContext(ctx))
//	if rec.Refreshed() {
//		// re-send the request
//	}
//
// With DispatchAsync (the default) the recorder is filled once the refresh
// completes, which may be after Do returns; use DispatchSync or Transport.Wait
// when the caller needs the outcome before continuing.
package interceptor
