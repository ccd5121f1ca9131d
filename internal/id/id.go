package id

import "github.com/segmentio/ksuid"

// New returns a K-sortable job id; ids created later sort after earlier ones.
func New() string {
	return ksuid.New().String()
}
