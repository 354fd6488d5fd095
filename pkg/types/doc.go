// Package types defines the shared data model and component interfaces for
// the dataset cache: query descriptors, payloads, cache entries, preload
// priorities, and the Store/EvictionPolicy/Fetcher contracts the engine is
// assembled from.
package types
