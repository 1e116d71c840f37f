// Package access computes which messages and requests of a transaction a
// caller may see, and which party a caller may address.
package access
