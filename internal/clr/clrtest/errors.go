package clrtest

import "fmt"

func errUnknown(kind string, id uint64) error {
	return fmt.Errorf("clrtest: unknown %s 0x%x", kind, id)
}
