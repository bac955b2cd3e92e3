//go:build cgo

package remote

// Registers the "libsql" driver used by OpenSQL for hosted (libsql://) DSNs.
import _ "github.com/tursodatabase/go-libsql"
