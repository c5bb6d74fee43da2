// Package fullmetal is a client SDK for the Fullmetal prompt service.
//
// A Client keeps one persistent, authenticated and auto-reconnecting
// connection and exposes a request/response API over it:
//
//	c, err := fullmetal.Dial(ctx, fullmetal.Options{APIKey: key})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	c.OnResponse(func(r fullmetal.Response) {
//	    fmt.Println(r.RefID, r.Text())
//	})
//	c.SendPromptAfterAuthentication("hello", "", nil)
//
// # Lifecycle
//
// The connection moves through ConnectionState values: Connecting, then
// Connected when the channel connects, Authenticating once the authenticate
// request is sent, and Authenticated when the service acknowledges it.
// Every (re)connect generates a fresh session key and authenticates again.
// A prompt sent with SendPromptAfterAuthentication before authentication
// completes is held as the single pending prompt and sent exactly once on
// the next authenticated event.
//
// # Termination
//
// The client never exits the process. Unrecoverable conditions are
// published as a Termination through OnTerminated, and Done is closed when
// the session is over. With RestartOnDisconnect, every disconnect while the
// restart flag is set publishes one Termination so the owner can restart.
//
// # Callbacks
//
// Handlers for service events (OnResponse, OnResponseQueue, OnAuthenticated)
// run on the channel's goroutine, one at a time. OnError may also run from
// retry timers and from the goroutine that sends an encrypted pending
// prompt, and OnTerminated from the goroutine calling DisconnectConnection,
// so both can run concurrently with the other handlers and must
// synchronize any state they share. Setting a handler replaces the
// previous one. Handlers must not block on the client: in particular, with
// EncryptPrompts set, SendPrompt waits for a key exchange answer that is
// delivered on that same goroutine.
package fullmetal
