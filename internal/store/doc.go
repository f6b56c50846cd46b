// Package store defines shared building blocks for data persistence:
// the DBTX abstraction over connections and transactions, and the common
// error vocabulary store implementations translate engine failures into.
package store
