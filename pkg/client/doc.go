/*
Package client fetches authoritative resource state from the system of record.

Client issues GET requests against the record system's REST API:

	GET {baseURL}/transfers/{id}
	GET {baseURL}/customers/{id}
	GET {baseURL}/funding-sources/{id}

A 404 means the resource is unknown and FetchState returns (nil, nil); the
existence check turns that into a discrepancy. Any other failure is returned as
a *types.FetchError, which matches types.ErrExternalFetch with errors.Is.

Requests pass through a golang.org/x/time/rate limiter so that parallel
batch workers cannot exceed the configured requests per second.

Client never retries. Callers that want resilience wrap it:

	fetcher := client.WithRetry(client.NewClient(cfg), 3, 200*time.Millisecond)

Retrying only repeats transport errors, 429 and 5xx responses.
*/
package client
