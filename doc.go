// Package spaceapi is a client for Space Cloud realtime live queries.
//
// # Connecting
//
// [New] dials the realtime websocket of a Space Cloud gateway described by a
// [Config]. Every live query created from the returned [API] shares that one
// connection: a single writer goroutine sends control messages and a single
// reader goroutine routes inbound change feeds to the live query they belong
// to. [FromStream] accepts any [connection.Stream] instead, which is how the
// tests run without a network.
//
// # Live queries
//
// A [LiveQuery] is built from a [DB] and subscribed once:
//
//	api, err := spaceapi.New(ctx, spaceapi.NewConfig("ws://localhost:4122", "books-app"))
//	if err != nil {
//		return err
//	}
//	defer api.Close()
//
//	unsubscribe := api.Mongo().LiveQuery("books").
//		Where(spaceapi.Filter{"author": "ursula"}).
//		Subscribe(func(docs []feed.Document, kind feed.Kind, delta feed.Document) {
//			fmt.Println(kind, len(docs), delta)
//		}, func(err error) {
//			log.Println(err)
//		})
//	defer unsubscribe()
//
// In full snapshot mode (the default) the live query keeps a local copy of the
// matching rows and hands the whole materialized list to the callback after
// every change. Rows are ordered by the time they were first seen and the
// newest timestamp wins. In changes-only mode, selected with
// [LiveQuery.Options] or [LiveQuery.SubscribeChanges], nothing is kept and only
// the changed document is delivered.
//
// Callbacks of one live query run on a goroutine owned by that live query, one
// at a time and in arrival order. A slow callback delays only its own live
// query.
//
// # Errors
//
// A rejected subscription is reported to the error callback as a
// [*BackendError]. A failure of the shared connection is reported to every
// live query with an error wrapping [constants.ErrConnectionClosed]. In both
// cases the live query unsubscribes itself. Closing the [API] terminates every
// live query without calling the error callback.
package spaceapi
