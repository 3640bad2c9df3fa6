// Package namegen produces short human-readable identifiers, used for
// conductor identities and dev node names.
package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Hostname derives a unique conductor hostname from a base name, for setups
// where several conductor processes share one machine.
func Hostname(base string) string {
	return fmt.Sprintf("%s-%s", base, Get())
}
