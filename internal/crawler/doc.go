// Package crawler defines the domain types, sentinel errors and component interfaces shared by
// the frontier, capture store, ingestion worker, dispatcher and fetch client.
package crawler
