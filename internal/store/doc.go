// Package store defines the persistence contracts of the crawler: the scan
// state repository and the inverted index. Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
