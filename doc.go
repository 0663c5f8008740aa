// Package swr is a client-side data-fetching cache.
//
// A Client holds the state shared by every consumer: a store of entries
// with read-time expiry, a registry that keeps at most one fetch in flight
// per key, and the retry and circuit breaker settings applied to fetchers.
// Each consumer creates a Subscriber for a key with a Fetcher. The
// subscriber serves fresh cached values, joins fetches already running for
// its key, retries failures with backoff and keeps the last good value
// when a refresh fails. Subscribers can revalidate when the application
// regains focus (see Client.NotifyFocus) or on a fixed interval.
//
//	client, err := swr.New(ctx, swr.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	sub, err := swr.Subscribe(ctx, client, "products", fetchProducts)
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//
// The local store can be bounded with WithMaxLocalEntries and fronted by a
// shared redis tier with WithRemote.
package swr
