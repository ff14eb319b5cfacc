// Package transport defines the client abstraction sessionwire consumes to
// reach a remote real-time messaging service.
//
// sessionwire never implements a production transport itself; vendor
// integrations (a websocket bridge, an embedded browser automation layer, a
// relay binding) satisfy the Client interface and are handed to the session
// layer through a Factory. The package also ships MockClient, a fully
// scriptable in-memory implementation used by the library's own tests and by
// applications that want deterministic integration tests.
//
// Lifecycle events flow from the client to exactly one Handlers set, owned by
// the session controller. External observers must subscribe on the
// controller's event surface instead of touching the client's handlers.
//
// Example:
//
//	factory := func(ctx context.Context, sessionID string) (transport.Client, error) {
//	    return vendorbridge.Dial(ctx, sessionID)
//	}
//
//	client, err := factory(ctx, "main")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.SetHandlers(transport.Handlers{
//	    Ready: func() { fmt.Println("session is ready") },
//	})
//	if err := client.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
package transport
